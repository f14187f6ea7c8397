package network

import (
	"time"

	"github.com/rs/xid"
)

// Uid identifies a connection. Ids are ordered by creation time.
type Uid string

const EmptyUid Uid = ""

func NewUid() Uid { return Uid(xid.New().String()) }

// ParseUid checks that s is a generated id.
func ParseUid(s string) (Uid, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return EmptyUid, err
	}
	return Uid(id.String()), nil
}

// Created returns the time the id was made at, the zero time for foreign ids.
func (u Uid) Created() time.Time {
	id, err := xid.FromString(string(u))
	if err != nil {
		return time.Time{}
	}
	return id.Time()
}

func (u Uid) String() string { return string(u) }

// Short is a loggable form with the counter part of the id.
func (u Uid) Short() string {
	if len(u) < 6 {
		return string(u)
	}
	return string(u)[:3] + "." + string(u)[len(u)-3:]
}
