package wsrouter

import "context"

type ctxKey string

const (
	messageKindKey ctxKey = "message_kind"
)

func GetMessageKindFromCtx(ctx context.Context) string {
	kind, ok := ctx.Value(messageKindKey).(string)
	if !ok {
		return ""
	}

	return kind
}
