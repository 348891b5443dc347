package logging

import (
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Component names the subsystem emitting the entry; it is promoted to the top-level key
func Component(name string) Field {
	return String(componentKey, name)
}

// NodeID identifies the node a message is about (not necessarily the emitter)
func NodeID(id string) Field {
	return String("node_id", id)
}

// Peer is the control address of a remote node
func Peer(addr string) Field {
	return String("peer", addr)
}

func Term(term uint64) Field {
	return Uint64("term", term)
}

// Order is a replication order number
func Order(order uint64) Field {
	return Uint64("order", order)
}

func Role(role string) Field {
	return String("role", role)
}

func Operation(op string) Field {
	return String("operation", op)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}
