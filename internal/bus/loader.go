package bus

import (
	"context"
	"encoding/json"

	"github.com/apiforward/apiforward/internal/model"
)

// Loader loads a context's initial snapshot with a getConfig message.
type Loader struct {
	Transport Transport
}

func (l Loader) Load(ctx context.Context) ([]model.Rule, json.RawMessage, error) {
	r, err := l.Transport.Send(ctx, Message{Type: TypeGetConfig})
	if err != nil {
		return nil, nil, err
	}
	if err := r.Err(); err != nil {
		return nil, nil, err
	}
	var raw json.RawMessage
	if r.Config != nil {
		if raw, err = json.Marshal(r.Config); err != nil {
			return nil, nil, err
		}
	}
	return r.Rules, raw, nil
}
