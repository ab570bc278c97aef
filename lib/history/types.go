package history

import (
	"fmt"

	"github.com/ValentinKolb/rangekv/lib/codec"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Branch ids, timestamps and versions
// --------------------------------------------------------------------------

// BranchID identifies a branch. The nil id is reserved for the zero version.
type BranchID uuid.UUID

// NilBranch is the branch id of the zero version
var NilBranch BranchID

// NewBranchID returns a new random branch id
func NewBranchID() BranchID {
	return BranchID(uuid.New())
}

// ParseBranchID parses the textual form of a branch id
func ParseBranchID(s string) (BranchID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilBranch, err
	}
	return BranchID(id), nil
}

// IsNil reports whether id is the nil branch id
func (id BranchID) IsNil() bool {
	return id == NilBranch
}

func (id BranchID) String() string {
	return uuid.UUID(id).String()
}

// Short returns the first 8 characters of the id (for logging)
func (id BranchID) Short() string {
	return id.String()[:8]
}

func (id BranchID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *BranchID) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*id = BranchID(u)
	return nil
}

// Timestamp is a logical clock value. Timestamps never decrease along a
// branch.
type Timestamp uint64

// Version names a state of the data: the state of a branch at a timestamp
type Version struct {
	Branch    BranchID  `json:"branch"`
	Timestamp Timestamp `json:"timestamp"`
}

// ZeroVersion is the version of data that was never written
func ZeroVersion() Version {
	return Version{}
}

// IsZero reports whether v is the zero version
func (v Version) IsZero() bool {
	return v.Branch.IsNil()
}

func (v Version) String() string {
	if v.IsZero() {
		return "zero"
	}
	return fmt.Sprintf("%s@%d", v.Branch.Short(), v.Timestamp)
}

// Metainfo maps every part of a region to the version stored for it
type Metainfo = region.Map[Version]

// NewMetainfo returns metainfo assigning v to all of r
func NewMetainfo(r region.Region, v Version) Metainfo {
	return region.NewMap(r, v)
}

// --------------------------------------------------------------------------
// Branches
// --------------------------------------------------------------------------

// Branch is a linear sequence of versions over a region. A branch without
// origin is a root. Otherwise Origin covers the whole Region and records for
// every part the version the branch was forked from.
type Branch struct {
	ID      BranchID      `json:"id"`
	Region  region.Region `json:"region"`
	Origin  Metainfo      `json:"origin"`
	Initial Timestamp     `json:"initial"`
	Latest  Timestamp     `json:"latest"`
}

// IsRoot reports whether the branch has no origin
func (b Branch) IsRoot() bool {
	return b.Origin.Len() == 0
}

// SameDefinition reports whether both branches agree on all immutable fields
func (b Branch) SameDefinition(o Branch) bool {
	return b.ID == o.ID &&
		b.Region.Equal(o.Region) &&
		b.Origin.Equal(o.Origin) &&
		b.Initial == o.Initial
}

// validate checks the structural invariants of a single branch
func (b Branch) validate() error {
	if b.ID.IsNil() {
		return fmt.Errorf("branch has nil id")
	}
	if b.Region.IsEmpty() {
		return fmt.Errorf("branch %s has an empty region", b.ID.Short())
	}
	if b.Latest < b.Initial {
		return fmt.Errorf("branch %s: latest %d before initial %d", b.ID.Short(), b.Latest, b.Initial)
	}
	if b.IsRoot() {
		return nil
	}
	if !b.Origin.Domain().Equal(b.Region) {
		return fmt.Errorf("branch %s: origin %s does not cover region %s", b.ID.Short(), b.Origin.Domain(), b.Region)
	}
	for _, e := range b.Origin.Entries() {
		if e.Value.Branch == b.ID {
			return fmt.Errorf("branch %s has itself as origin", b.ID.Short())
		}
		if e.Value.Timestamp > b.Initial {
			return fmt.Errorf("branch %s: origin %s after initial timestamp %d", b.ID.Short(), e.Value, b.Initial)
		}
	}
	return nil
}

func (b Branch) String() string {
	return fmt.Sprintf("branch %s %s [%d..%d] origin %s", b.ID.Short(), b.Region, b.Initial, b.Latest, b.Origin)
}

// --------------------------------------------------------------------------
// Binary encoding (lib/codec)
// --------------------------------------------------------------------------

// EncodeVersion appends v to w
func EncodeVersion(w *codec.Writer, v Version) {
	w.Raw(v.Branch[:])
	w.Uint64(uint64(v.Timestamp))
}

// DecodeVersion reads a version written by EncodeVersion
func DecodeVersion(r *codec.Reader) Version {
	var v Version
	copy(v.Branch[:], r.Raw(16))
	v.Timestamp = Timestamp(r.Uint64())
	return v
}

// EncodeMetainfo appends m to w
func EncodeMetainfo(w *codec.Writer, m Metainfo) {
	region.EncodeMap(w, m, EncodeVersion)
}

// DecodeMetainfo reads metainfo written by EncodeMetainfo
func DecodeMetainfo(r *codec.Reader) Metainfo {
	return region.DecodeMap(r, DecodeVersion)
}

// EncodeTo appends the branch to w
func (b Branch) EncodeTo(w *codec.Writer) {
	w.Raw(b.ID[:])
	b.Region.EncodeTo(w)
	EncodeMetainfo(w, b.Origin)
	w.Uint64(uint64(b.Initial))
	w.Uint64(uint64(b.Latest))
}

// DecodeBranch reads a branch written by Branch.EncodeTo
func DecodeBranch(r *codec.Reader) Branch {
	var b Branch
	copy(b.ID[:], r.Raw(16))
	b.Region = region.DecodeRegion(r)
	b.Origin = DecodeMetainfo(r)
	b.Initial = Timestamp(r.Uint64())
	b.Latest = Timestamp(r.Uint64())
	return b
}
