package kit

import "context"

type contextKey string

const (
	RequestIDKey contextKey = "kit_request_id"
	ClientIPKey  contextKey = "kit_client_ip"
	TransportKey contextKey = "kit_transport" // "http", "mcp"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}
func GetClientIP(ctx context.Context) string {
	v, _ := ctx.Value(ClientIPKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}
