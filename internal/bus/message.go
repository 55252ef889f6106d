package bus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/apiforward/apiforward/internal/model"
)

var ErrClosed = errors.New("transport closed")

type Type string

const (
	TypeGetConfig      Type = "getConfig"
	TypeSetRules       Type = "setRules"
	TypeSetConfig      Type = "setConfig"
	TypeLogRecord      Type = "logRecord"
	TypeGetHistory     Type = "getHistory"
	TypeClearHistory   Type = "clearHistory"
	TypeExportHistory  Type = "exportHistory"
	TypeForwardPayload Type = "forwardPayload"

	// TypeConfigUpdate is pushed by the background context and never
	// sent as a request.
	TypeConfigUpdate Type = "configUpdate"
)

// Message is one cross-context request. Only the fields relevant to Type
// are set.
type Message struct {
	ID      string              `json:"id,omitempty"`
	Type    Type                `json:"type"`
	Rules   *[]model.Rule       `json:"rules,omitempty"`
	Config  json.RawMessage     `json:"config,omitempty"`
	Record  *model.HistoryEntry `json:"record,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
}

// Reply answers a Message. A request that failed has OK false and Error
// set.
type Reply struct {
	ID      string               `json:"id,omitempty"`
	OK      bool                 `json:"ok"`
	Error   string               `json:"error,omitempty"`
	Rules   []model.Rule         `json:"rules,omitempty"`
	Config  *model.Config        `json:"config,omitempty"`
	History []model.HistoryEntry `json:"history,omitempty"`
	File    string               `json:"file,omitempty"`
}

// Err returns the reply's failure as an error, or nil.
func (r Reply) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == "" {
		return errors.New("request failed")
	}
	return errors.New(r.Error)
}

func Ack() Reply {
	return Reply{OK: true}
}

func Fail(err error) Reply {
	return Reply{OK: false, Error: err.Error()}
}

// Handler serves messages. It is implemented by the background context.
type Handler interface {
	Handle(ctx context.Context, msg Message) Reply
}

type HandlerFunc func(ctx context.Context, msg Message) Reply

func (f HandlerFunc) Handle(ctx context.Context, msg Message) Reply {
	return f(ctx, msg)
}

// Transport delivers a message to the background context and waits for
// its reply.
type Transport interface {
	Send(ctx context.Context, msg Message) (Reply, error)
}

// RulesMessage builds a setRules message. A nil list clears the rules.
func RulesMessage(rules []model.Rule) Message {
	if rules == nil {
		rules = []model.Rule{}
	}
	return Message{Type: TypeSetRules, Rules: &rules}
}
