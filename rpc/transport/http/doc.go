// Package http carries hKV RPC messages in plain HTTP requests.
//
// Every request is a POST /{shardId} whose body is the serialized message; the
// response body is the serialized answer. GET /metrics serves the Prometheus
// metrics of the process (engines, brokers and transports). With the json
// serializer a shard can be used with curl:
//
//	curl -d '{"msg_type":"read","key":"a"}' localhost:8080/100
//
// The client spreads requests round-robin over the configured endpoints and
// retries failed requests on the next endpoint. HTTP has no server push, so
// subscriptions (streams) are only available with the ws transport.
package http
