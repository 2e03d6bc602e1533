package wire

import (
	"github.com/OwlPlatform/world-model/wm"
)

// Message IDs on the solver connection, partitioned by direction. Keep
// alive is shared; type_announce through delete_attribute flow solver to
// engine; start/stop_on_demand flow engine to solver.
const (
	SolverKeepAliveID       byte = 0
	SolverTypeAnnounceID    byte = 1
	SolverStartOnDemandID   byte = 2
	SolverStopOnDemandID    byte = 3
	SolverDataID            byte = 4
	SolverCreateURIID       byte = 5
	SolverExpireURIID       byte = 6
	SolverDeleteURIID       byte = 7
	SolverExpireAttributeID byte = 8
	SolverDeleteAttributeID byte = 9
)

// SolverKeepAlive is the empty idle-probe message.
type SolverKeepAlive struct{}

func (SolverKeepAlive) ID() byte                        { return SolverKeepAliveID }
func (SolverKeepAlive) MarshalPayload(b []byte) []byte  { return b }

// TypeSpecification aliases an attribute name for the session and flags
// whether the solver produces it only on demand.
type TypeSpecification struct {
	Alias    uint32
	Name     string
	OnDemand bool
}

// TypeAnnounce declares the solver's origin and the attribute types it
// will produce, with session aliases.
type TypeAnnounce struct {
	Types  []TypeSpecification
	Origin string
}

func (TypeAnnounce) ID() byte { return SolverTypeAnnounceID }

func (m TypeAnnounce) MarshalPayload(b []byte) []byte {
	b = appendU32(b, uint32(len(m.Types)))
	for _, t := range m.Types {
		b = appendU32(b, t.Alias)
		b = appendString(b, t.Name)
		if t.OnDemand {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	return appendString(b, m.Origin)
}

// DecodeTypeAnnounce parses a type_announce payload.
func DecodeTypeAnnounce(payload []byte) (TypeAnnounce, error) {
	d := newDecoder(payload)
	var m TypeAnnounce
	count := d.u32()
	for i := uint32(0); i < count && d.Err() == nil; i++ {
		t := TypeSpecification{Alias: d.u32(), Name: d.str()}
		t.OnDemand = d.u8() != 0
		m.Types = append(m.Types, t)
	}
	m.Origin = d.str()
	return m, d.Err()
}

// OnDemandSpec names one aliased attribute and the URI patterns it should
// be produced for.
type OnDemandSpec struct {
	Alias       uint32
	URIPatterns []string
}

// StartOnDemand tells a solver to begin producing on-demand attributes for
// the listed URI patterns.
type StartOnDemand struct {
	Specs []OnDemandSpec
}

func (StartOnDemand) ID() byte { return SolverStartOnDemandID }

func (m StartOnDemand) MarshalPayload(b []byte) []byte {
	return marshalOnDemand(b, m.Specs)
}

// StopOnDemand tells a solver to stop producing on-demand attributes for
// the listed URI patterns.
type StopOnDemand struct {
	Specs []OnDemandSpec
}

func (StopOnDemand) ID() byte { return SolverStopOnDemandID }

func (m StopOnDemand) MarshalPayload(b []byte) []byte {
	return marshalOnDemand(b, m.Specs)
}

func marshalOnDemand(b []byte, specs []OnDemandSpec) []byte {
	b = appendU32(b, uint32(len(specs)))
	for _, spec := range specs {
		b = appendU32(b, spec.Alias)
		b = appendU32(b, uint32(len(spec.URIPatterns)))
		for _, p := range spec.URIPatterns {
			b = appendString(b, p)
		}
	}
	return b
}

// DecodeOnDemand parses a start_on_demand or stop_on_demand payload.
func DecodeOnDemand(payload []byte) ([]OnDemandSpec, error) {
	d := newDecoder(payload)
	count := d.u32()
	specs := make([]OnDemandSpec, 0, count)
	for i := uint32(0); i < count && d.Err() == nil; i++ {
		spec := OnDemandSpec{Alias: d.u32()}
		patterns := d.u32()
		for j := uint32(0); j < patterns && d.Err() == nil; j++ {
			spec.URIPatterns = append(spec.URIPatterns, d.str())
		}
		specs = append(specs, spec)
	}
	return specs, d.Err()
}

// Solution is one aliased attribute value bound for a target URI.
type Solution struct {
	TypeAlias uint32
	Time      wm.Time
	Target    wm.URI
	Data      []byte
}

// SolverData carries a batch of solutions. CreateURIs requests autocreate
// semantics for absent targets.
type SolverData struct {
	CreateURIs bool
	Solutions  []Solution
}

func (SolverData) ID() byte { return SolverDataID }

func (m SolverData) MarshalPayload(b []byte) []byte {
	if m.CreateURIs {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = appendU32(b, uint32(len(m.Solutions)))
	for _, s := range m.Solutions {
		b = appendU32(b, s.TypeAlias)
		b = appendI64(b, s.Time)
		b = appendString(b, s.Target)
		b = appendBytes(b, s.Data)
	}
	return b
}

// DecodeSolverData parses a solver_data payload.
func DecodeSolverData(payload []byte) (SolverData, error) {
	d := newDecoder(payload)
	var m SolverData
	m.CreateURIs = d.u8() != 0
	count := d.u32()
	for i := uint32(0); i < count && d.Err() == nil; i++ {
		m.Solutions = append(m.Solutions, Solution{
			TypeAlias: d.u32(),
			Time:      d.i64(),
			Target:    d.str(),
			Data:      d.bytes(),
		})
	}
	return m, d.Err()
}

// CreateURI creates an object with an explicit creation time.
type CreateURI struct {
	URI      wm.URI
	Creation wm.Time
	Origin   string
}

func (CreateURI) ID() byte { return SolverCreateURIID }

func (m CreateURI) MarshalPayload(b []byte) []byte {
	b = appendString(b, m.URI)
	b = appendI64(b, m.Creation)
	return appendString(b, m.Origin)
}

// DecodeCreateURI parses a create_uri payload.
func DecodeCreateURI(payload []byte) (CreateURI, error) {
	d := newDecoder(payload)
	m := CreateURI{URI: d.str(), Creation: d.i64(), Origin: d.str()}
	return m, d.Err()
}

// ExpireURI expires an object at the given instant; history is retained.
type ExpireURI struct {
	URI        wm.URI
	Expiration wm.Time
	Origin     string
}

func (ExpireURI) ID() byte { return SolverExpireURIID }

func (m ExpireURI) MarshalPayload(b []byte) []byte {
	b = appendString(b, m.URI)
	b = appendI64(b, m.Expiration)
	return appendString(b, m.Origin)
}

// DecodeExpireURI parses an expire_uri payload.
func DecodeExpireURI(payload []byte) (ExpireURI, error) {
	d := newDecoder(payload)
	m := ExpireURI{URI: d.str(), Expiration: d.i64(), Origin: d.str()}
	return m, d.Err()
}

// DeleteURI purges an object and its history.
type DeleteURI struct {
	URI    wm.URI
	Origin string
}

func (DeleteURI) ID() byte { return SolverDeleteURIID }

func (m DeleteURI) MarshalPayload(b []byte) []byte {
	b = appendString(b, m.URI)
	return appendString(b, m.Origin)
}

// DecodeDeleteURI parses a delete_uri payload.
func DecodeDeleteURI(payload []byte) (DeleteURI, error) {
	d := newDecoder(payload)
	m := DeleteURI{URI: d.str(), Origin: d.str()}
	return m, d.Err()
}

// ExpireAttribute expires one attribute version, identified exactly by
// (name, origin, creation).
type ExpireAttribute struct {
	URI        wm.URI
	Name       string
	Creation   wm.Time
	Expiration wm.Time
	Origin     string
}

func (ExpireAttribute) ID() byte { return SolverExpireAttributeID }

func (m ExpireAttribute) MarshalPayload(b []byte) []byte {
	b = appendString(b, m.URI)
	b = appendString(b, m.Name)
	b = appendI64(b, m.Creation)
	b = appendI64(b, m.Expiration)
	return appendString(b, m.Origin)
}

// DecodeExpireAttribute parses an expire_attribute payload.
func DecodeExpireAttribute(payload []byte) (ExpireAttribute, error) {
	d := newDecoder(payload)
	m := ExpireAttribute{
		URI:        d.str(),
		Name:       d.str(),
		Creation:   d.i64(),
		Expiration: d.i64(),
		Origin:     d.str(),
	}
	return m, d.Err()
}

// DeleteAttribute purges an attribute's history for a URI.
type DeleteAttribute struct {
	URI    wm.URI
	Name   string
	Origin string
}

func (DeleteAttribute) ID() byte { return SolverDeleteAttributeID }

func (m DeleteAttribute) MarshalPayload(b []byte) []byte {
	b = appendString(b, m.URI)
	b = appendString(b, m.Name)
	return appendString(b, m.Origin)
}

// DecodeDeleteAttribute parses a delete_attribute payload.
func DecodeDeleteAttribute(payload []byte) (DeleteAttribute, error) {
	d := newDecoder(payload)
	m := DeleteAttribute{URI: d.str(), Name: d.str(), Origin: d.str()}
	return m, d.Err()
}
