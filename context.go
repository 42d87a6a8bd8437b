package permkit

import (
	"context"
)

type ctxKey int

const (
	actorKey ctxKey = iota
	requestKey
	checkerKey
)

// requestMeta is the per-request audit metadata, stored as one value.
type requestMeta struct {
	ip, userAgent, requestID string
}

func getMeta(ctx context.Context) requestMeta {
	m, _ := ctx.Value(requestKey).(requestMeta)
	return m
}

func withMeta(ctx context.Context, update func(*requestMeta)) context.Context {
	m := getMeta(ctx)
	update(&m)
	return context.WithValue(ctx, requestKey, m)
}

// WithActor adds the authenticated actor to the context.
// Mutations record it as the performer in the audit log.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the actor from context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// MustGetActor is GetActor for handlers behind Authenticate. It panics when no actor is set.
func MustGetActor(ctx context.Context) Actor {
	actor, ok := GetActor(ctx)
	if !ok {
		panic("permkit: actor not in context")
	}
	return actor
}

// GetActorID returns the ID of the actor in context, or 0 if none is set.
func GetActorID(ctx context.Context) int64 {
	actor, _ := GetActor(ctx)
	return actor.UserID
}

// WithIPAddress records the client IP for audit.
func WithIPAddress(ctx context.Context, ip string) context.Context {
	return withMeta(ctx, func(m *requestMeta) { m.ip = ip })
}

// GetIPAddress returns the client IP recorded for audit, or "".
func GetIPAddress(ctx context.Context) string { return getMeta(ctx).ip }

// WithUserAgent records the client user agent for audit.
func WithUserAgent(ctx context.Context, ua string) context.Context {
	return withMeta(ctx, func(m *requestMeta) { m.userAgent = ua })
}

// GetUserAgent returns the client user agent recorded for audit, or "".
func GetUserAgent(ctx context.Context) string { return getMeta(ctx).userAgent }

// WithRequestID records the correlation ID copied into audit records.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withMeta(ctx, func(m *requestMeta) { m.requestID = requestID })
}

// GetRequestID returns the request correlation ID, or "".
func GetRequestID(ctx context.Context) string { return getMeta(ctx).requestID }

// WithChecker stores the actor's Checker; Authenticate sets it.
func WithChecker(ctx context.Context, checker *Checker) context.Context {
	return context.WithValue(ctx, checkerKey, checker)
}

// GetChecker returns the Checker stored by Authenticate, or nil.
func GetChecker(ctx context.Context) *Checker {
	c, _ := ctx.Value(checkerKey).(*Checker)
	return c
}

// FromContext is GetChecker.
func FromContext(ctx context.Context) *Checker {
	return GetChecker(ctx)
}

// AuditContext is the actor and request metadata a mutation records.
type AuditContext struct {
	ActorID   int64
	ActorName string
	IPAddress string
	UserAgent string
	RequestID string
}

// GetAuditContext extracts all audit information from context.
func GetAuditContext(ctx context.Context) AuditContext {
	actor, _ := GetActor(ctx)
	m := getMeta(ctx)
	return AuditContext{
		ActorID:   actor.UserID,
		ActorName: actor.Name,
		IPAddress: m.ip,
		UserAgent: m.userAgent,
		RequestID: m.requestID,
	}
}

// WithAuditContext sets the non-empty request fields of ac, keeping the others.
// The actor is set separately with WithActor.
func WithAuditContext(ctx context.Context, ac AuditContext) context.Context {
	return withMeta(ctx, func(m *requestMeta) {
		if ac.IPAddress != "" {
			m.ip = ac.IPAddress
		}
		if ac.UserAgent != "" {
			m.userAgent = ac.UserAgent
		}
		if ac.RequestID != "" {
			m.requestID = ac.RequestID
		}
	})
}
