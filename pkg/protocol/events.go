package protocol

import (
	"encoding/hex"

	"github.com/ava-labs/libevm/common"
)

type EventKind string

const (
	KindMemberAdded   EventKind = "member_added"
	KindMemberRemoved EventKind = "member_removed"
	KindJobAdded      EventKind = "job_added"
	KindJobRemoved    EventKind = "job_removed"
)

// Event is a decoded coordinator event. The concrete types below are the only implementations.
type Event interface {
	Kind() EventKind
	isEvent()
}

// MemberAdded is emitted when a network joins the whitelist.
type MemberAdded struct {
	Network [32]byte
}

// MemberRemoved is emitted when a network leaves the whitelist.
type MemberRemoved struct {
	Network [32]byte
}

// JobAdded is emitted when a job is registered with the coordinator.
type JobAdded struct {
	Job common.Address
}

// JobRemoved is emitted when a job is deregistered from the coordinator.
type JobRemoved struct {
	Job common.Address
}

func (MemberAdded) Kind() EventKind   { return KindMemberAdded }
func (MemberRemoved) Kind() EventKind { return KindMemberRemoved }
func (JobAdded) Kind() EventKind      { return KindJobAdded }
func (JobRemoved) Kind() EventKind    { return KindJobRemoved }

func (MemberAdded) isEvent()   {}
func (MemberRemoved) isEvent() {}
func (JobAdded) isEvent()      {}
func (JobRemoved) isEvent()    {}

// NetworkString renders a whitelist tag for logs.
func NetworkString(n [32]byte) string {
	return "0x" + hex.EncodeToString(n[:])
}
