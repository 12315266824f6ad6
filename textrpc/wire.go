// File: textrpc/wire.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Line codec for the text RPC protocol.

package textrpc

import (
	"strconv"
	"strings"

	"github.com/momentics/hioload-rpc/api"
)

// Protocol tokens.
const (
	TokenVersionRequest = "protocolVersion-request"
	TokenVersion        = "protocolVersion"
	TokenCall           = "C"
	TokenResult         = "R"
	TokenError          = "E"
	TokenPing           = "ping"
	TokenPingReply      = "ping-reply"
)

// Kind is the decoded message type.
type Kind int

const (
	KindUnknown Kind = iota
	KindVersionRequest
	KindVersion
	KindCall
	KindResult
	KindError
	KindPing
	KindPingReply
)

var kindTokens = map[Kind]string{
	KindVersionRequest: TokenVersionRequest,
	KindVersion:        TokenVersion,
	KindCall:           TokenCall,
	KindResult:         TokenResult,
	KindError:          TokenError,
	KindPing:           TokenPing,
	KindPingReply:      TokenPingReply,
}

var tokenKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindTokens))
	for k, tok := range kindTokens {
		m[tok] = k
	}
	return m
}()

func (k Kind) String() string {
	if tok, ok := kindTokens[k]; ok {
		return tok
	}
	return "unknown"
}

// Message is one protocol line. Version is set for the negotiation kinds, ID
// and Text for calls and replies; Text holds the whole line for KindUnknown.
type Message struct {
	Kind    Kind
	ID      uint64
	Version int
	Text    string
}

// Encode renders m as a line without the trailing newline.
func Encode(m Message) (string, error) {
	if strings.ContainsAny(m.Text, "\r\n") {
		return "", api.NewError(api.ErrCodeInvalidArgument, "message text contains a newline").
			WithContext("kind", m.Kind.String())
	}
	switch m.Kind {
	case KindVersionRequest, KindVersion:
		if m.Version < 1 {
			return "", api.Errorf(api.ErrCodeInvalidArgument, "bad protocol version %d", m.Version)
		}
		return kindTokens[m.Kind] + " " + strconv.Itoa(m.Version), nil
	case KindCall, KindError:
		return kindTokens[m.Kind] + " " + strconv.FormatUint(m.ID, 10) + " " + m.Text, nil
	case KindResult:
		line := TokenResult + " " + strconv.FormatUint(m.ID, 10)
		if m.Text != "" {
			line += " " + m.Text
		}
		return line, nil
	case KindPing, KindPingReply:
		return kindTokens[m.Kind], nil
	default:
		return "", api.Errorf(api.ErrCodeInvalidArgument, "cannot encode message kind %d", m.Kind)
	}
}

// Decode parses one line. Unknown leading tokens decode to KindUnknown without
// error; malformed known commands yield ErrCodeProtocolViolation.
func Decode(line string) (Message, error) {
	token, rest, hasRest := strings.Cut(line, " ")
	kind, ok := tokenKinds[token]
	if !ok {
		return Message{Kind: KindUnknown, Text: line}, nil
	}

	switch kind {
	case KindVersionRequest, KindVersion:
		v, err := strconv.Atoi(rest)
		if err != nil || v < 1 {
			return Message{}, violation(line, "bad protocol version")
		}
		return Message{Kind: kind, Version: v}, nil
	case KindCall, KindResult, KindError:
		if !hasRest {
			return Message{}, violation(line, "missing call id")
		}
		idText, text, _ := strings.Cut(rest, " ")
		id, err := strconv.ParseUint(idText, 10, 64)
		if err != nil {
			return Message{}, violation(line, "bad call id")
		}
		return Message{Kind: kind, ID: id, Text: text}, nil
	default:
		if hasRest {
			return Message{}, violation(line, "unexpected arguments")
		}
		return Message{Kind: kind}, nil
	}
}

func violation(line, reason string) error {
	return api.NewError(api.ErrCodeProtocolViolation, reason).WithContext("line", line)
}
