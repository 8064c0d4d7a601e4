// Package principal models who is calling into the workflow.
//
// A Principal is either a User handed over by the identity layer or a System
// caller created by background reconciliation. System callers are scoped to a
// single workspace and, when TicketID is set, to a single ticket.
package principal

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindUser   Kind = "user"
	KindSystem Kind = "system"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleClient:
		return RoleClient, true
	default:
		return "", false
	}
}

type Principal interface {
	Kind() Kind
	WorkspaceID() snowflake.ID
	// ActorID identifies the caller in audit records.
	ActorID() string

	sealed()
}

type User struct {
	ID        snowflake.ID
	Workspace snowflake.ID
	Role      Role
}

func (u User) Kind() Kind                { return KindUser }
func (u User) WorkspaceID() snowflake.ID { return u.Workspace }
func (u User) ActorID() string           { return u.ID.String() }
func (u User) IsAdmin() bool             { return u.Role == RoleAdmin }
func (User) sealed()                     {}

type System struct {
	Workspace snowflake.ID
	TicketID  snowflake.ID
	Reason    string
}

func (s System) Kind() Kind                { return KindSystem }
func (s System) WorkspaceID() snowflake.ID { return s.Workspace }
func (s System) ActorID() string           { return s.Reason }
func (System) sealed()                     {}

// CreatorID returns the user id to stamp on rows created by p, or 0 for system callers.
func CreatorID(p Principal) snowflake.ID {
	if u, ok := p.(User); ok {
		return u.ID
	}
	return 0
}

type ctxKey struct{}

func WithContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p != nil
}
