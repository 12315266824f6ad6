// Package statemachine
// Author: momentics <momentics@gmail.com>
//
// Named-state runner. A Definition holds states, each optionally belonging to
// a class; states and classes carry entry and exit hooks. Machine.Run visits
// states until a visit ends without a next state or a hook requests an
// immediate exit.
package statemachine
