// Package event carries the outbound notifications of the proxy components.
//
// Components never log directly. They emit typed Events (listening, error,
// proxy_error, request_error, info) to an Emitter, and observers subscribed
// to a Bus decide what to do with them: the log observer renders them with
// zerolog, the metrics collector counts them.
package event
