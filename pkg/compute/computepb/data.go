// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package computepb defines the control-plane wire protocol between a
// coordinator and its compute replicas: the command and response
// variant sets, the identifiers and frontiers they carry, and a
// self-delimited, versioned codec for moving them.
package computepb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"

	"github.com/RobinClowers/materialize/pkg/util/frontier"
)

// IDNamespace partitions the space of collection identifiers.
type IDNamespace uint8

const (
	// SystemNS identifies system-assigned collections.
	SystemNS IDNamespace = iota
	// UserNS identifies user-assigned collections.
	UserNS
	// TransientNS identifies collections that do not survive a restart.
	TransientNS
	// ExplainNS is the sentinel namespace for explain-only dataflows.
	ExplainNS
)

// GlobalID is a process-wide-unique, totally ordered collection
// identifier. IDs are never reused, even after the collection they
// named has been dropped.
type GlobalID struct {
	NS  IDNamespace `msgpack:"ns"`
	Num uint64      `msgpack:"num"`
}

// SystemID returns the system-namespaced id with the given number.
func SystemID(n uint64) GlobalID { return GlobalID{NS: SystemNS, Num: n} }

// UserID returns the user-namespaced id with the given number.
func UserID(n uint64) GlobalID { return GlobalID{NS: UserNS, Num: n} }

// TransientID returns the transient-namespaced id with the given number.
func TransientID(n uint64) GlobalID { return GlobalID{NS: TransientNS, Num: n} }

// ExplainID returns the sentinel id for explain-only dataflows.
func ExplainID() GlobalID { return GlobalID{NS: ExplainNS} }

// Compare returns -1, 0, or +1 ordering ids by namespace, then number.
func (id GlobalID) Compare(o GlobalID) int {
	if id.NS != o.NS {
		if id.NS < o.NS {
			return -1
		}
		return 1
	}
	switch {
	case id.Num < o.Num:
		return -1
	case id.Num > o.Num:
		return 1
	}
	return 0
}

// Less reports whether id orders before o.
func (id GlobalID) Less(o GlobalID) bool { return id.Compare(o) < 0 }

func (id GlobalID) String() string {
	switch id.NS {
	case SystemNS:
		return fmt.Sprintf("s%d", id.Num)
	case UserNS:
		return fmt.Sprintf("u%d", id.Num)
	case TransientNS:
		return fmt.Sprintf("t%d", id.Num)
	case ExplainNS:
		return "explained"
	default:
		return fmt.Sprintf("<invalid ns %d>%d", uint8(id.NS), id.Num)
	}
}

// SafeFormat implements the redact.SafeFormatter interface.
func (id GlobalID) SafeFormat(s redact.SafePrinter, _ rune) {
	s.Print(redact.SafeString(id.String()))
}

// ParseGlobalID parses the string form produced by String.
func ParseGlobalID(s string) (GlobalID, error) {
	if s == "explained" {
		return ExplainID(), nil
	}
	if len(s) < 2 {
		return GlobalID{}, errors.Newf("malformed id %q", s)
	}
	var ns IDNamespace
	switch s[0] {
	case 's':
		ns = SystemNS
	case 'u':
		ns = UserNS
	case 't':
		ns = TransientNS
	default:
		return GlobalID{}, errors.Newf("malformed id %q", s)
	}
	n, err := strconv.ParseUint(s[1:], 10, 64)
	if err != nil {
		return GlobalID{}, errors.Wrapf(err, "malformed id %q", s)
	}
	return GlobalID{NS: ns, Num: n}, nil
}

// Timestamp is a logical time. The production order is total, but
// frontiers over it stay correct for partially ordered time.
type Timestamp uint64

// MinTimestamp is the smallest timestamp.
const MinTimestamp Timestamp = 0

// LessEqual reports whether t precedes or equals o. Part of the
// frontier.Element contract.
func (t Timestamp) LessEqual(o Timestamp) bool { return t <= o }

// Join returns the later of t and o. Part of the frontier.Element
// contract.
func (t Timestamp) Join(o Timestamp) Timestamp {
	if t < o {
		return o
	}
	return t
}

// Next returns the timestamp immediately after t.
func (t Timestamp) Next() Timestamp { return t + 1 }

func (t Timestamp) String() string { return strconv.FormatUint(uint64(t), 10) }

// SafeFormat implements the redact.SafeFormatter interface.
func (t Timestamp) SafeFormat(s redact.SafePrinter, _ rune) {
	s.Print(redact.SafeString(t.String()))
}

// TimeFrontier is a frontier of logical timestamps.
type TimeFrontier = frontier.Frontier[Timestamp]

// FrontierFrom returns the minimal antichain of the given timestamps.
func FrontierFrom(ts ...Timestamp) TimeFrontier {
	return frontier.Make(ts...)
}

// ClusterStartupEpoch identifies one incarnation of the cluster's
// connection to a replica: a logical cluster generation plus a
// per-process nonce. Epochs order lexicographically and strictly
// increase across reconnections, which is what lets both sides discard
// traffic from superseded generations.
type ClusterStartupEpoch struct {
	Envelope int64  `msgpack:"envelope"`
	Replica  uint64 `msgpack:"replica"`
}

// Compare returns -1, 0, or +1 ordering epochs lexicographically.
func (e ClusterStartupEpoch) Compare(o ClusterStartupEpoch) int {
	if e.Envelope != o.Envelope {
		if e.Envelope < o.Envelope {
			return -1
		}
		return 1
	}
	switch {
	case e.Replica < o.Replica:
		return -1
	case e.Replica > o.Replica:
		return 1
	}
	return 0
}

// Less reports whether e orders strictly before o.
func (e ClusterStartupEpoch) Less(o ClusterStartupEpoch) bool { return e.Compare(o) < 0 }

func (e ClusterStartupEpoch) String() string {
	return fmt.Sprintf("[%d, %d]", e.Envelope, e.Replica)
}

// SafeFormat implements the redact.SafeFormatter interface.
func (e ClusterStartupEpoch) SafeFormat(s redact.SafePrinter, _ rune) {
	s.Printf("[%d, %d]", e.Envelope, e.Replica)
}

// CollectionMetadata is the opaque storage handle attached to an
// imported collection. The control plane treats it as an immutable
// token; only the storage layer interprets it.
type CollectionMetadata struct {
	ShardID string `msgpack:"shard_id"`
}

// CollectionFrontiers is the pair of read and write frontiers for one
// collection. The invariant Since ≤ Upper holds at all times; a peek
// timestamp must lie within [Since, Upper) to be answerable.
type CollectionFrontiers struct {
	Since TimeFrontier `msgpack:"since"`
	Upper TimeFrontier `msgpack:"upper"`
}

func (cf CollectionFrontiers) String() string {
	var sb strings.Builder
	sb.WriteString("[since=")
	sb.WriteString(cf.Since.String())
	sb.WriteString(", upper=")
	sb.WriteString(cf.Upper.String())
	sb.WriteString(")")
	return sb.String()
}
