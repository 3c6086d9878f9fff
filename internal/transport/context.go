package transport

type ctxKey string

const sessionIDKey ctxKey = "session_id"
