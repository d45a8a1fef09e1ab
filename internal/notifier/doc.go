// Package notifier delivers operator alerts over secondary channels.
//
// A Channel is one delivery route (Telegram chat, push, email) with a
// send(title, body) contract. Reliable wraps a Channel with a token-bucket
// rate limit, bounded retry with jittered exponential backoff and a per-send
// timeout, and publishes notifier.sent / notifier.failed events on the bus.
//
// Delivery failures surface as ErrChannel. Callers log them and carry on:
// one failing route never stops the others.
//
// # History
//
// Reliable keeps a small in-memory history of recent deliveries for /status.
package notifier
