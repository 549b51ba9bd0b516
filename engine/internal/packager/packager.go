// Package packager implements the array splicer: it accumulates serialized
// records grouped by tenant and emits a single delimiter-framed payload,
// tracking both an exact payload byte count and an overhead estimate
// without requiring re-serialization.
package packager

import (
	"beacon/engine/models"
)

const (
	open  = "["
	closeB = "]"
	delim = ","
)

// Packager accumulates SerializedRecords into tenant-partitioned packages.
// It is not safe for concurrent use; callers serialize access per endpoint
// dispatch cycle.
type Packager struct {
	tenantOrder []string
	packages    map[string]*models.Package
	payloadBytes int
	overhead     int
}

// New returns an empty Packager.
func New() *Packager {
	return &Packager{packages: make(map[string]*models.Package)}
}

// AddRecord appends a record to its tenant's package, creating the package
// if this is the first record seen for that tenant. Callers that must
// respect a maxBlobSize ceiling should use TryAddRecord instead.
func (p *Packager) AddRecord(rec models.SerializedRecord) {
	pkg, ok := p.packages[rec.TenantToken]
	if !ok {
		pkg = &models.Package{TenantToken: rec.TenantToken}
		p.packages[rec.TenantToken] = pkg
		p.tenantOrder = append(p.tenantOrder, rec.TenantToken)
		p.overhead += len(rec.TenantToken)
	}
	if len(pkg.Records) > 0 {
		p.overhead += len(delim)
	}
	pkg.Records = append(pkg.Records, rec)
	p.payloadBytes += len(rec.Bytes)
}

// recordOverhead returns the framing bytes AddRecord would charge for rec
// given the Packager's current state, without mutating anything: the
// tenant-token prefix if rec's tenant is new, plus a delimiter if its
// package already holds records.
func (p *Packager) recordOverhead(rec models.SerializedRecord) int {
	pkg, ok := p.packages[rec.TenantToken]
	overhead := 0
	if !ok {
		overhead += len(rec.TenantToken)
	} else if len(pkg.Records) > 0 {
		overhead += len(delim)
	}
	return overhead
}

// TryAddRecord adds rec only if doing so would keep SizeEstimate() at or
// under maxBlobSize (a maxBlobSize <= 0 means unbounded). It returns false
// without mutating the Packager when the record would overflow, so the
// caller can return the record to the store and defer it to the next
// dispatch cycle, per the maxBlobSize boundary: exactly maxBlobSize is
// accepted, one byte over is rejected.
func (p *Packager) TryAddRecord(rec models.SerializedRecord, maxBlobSize int) bool {
	if maxBlobSize > 0 {
		prospective := p.payloadBytes + p.overhead + p.recordOverhead(rec) + len(rec.Bytes) + len(open) + len(closeB)
		if prospective > maxBlobSize {
			return false
		}
	}
	p.AddRecord(rec)
	return true
}

// SizeEstimate returns an upper bound on the byte length splice() would
// produce, computable without re-serializing any record.
func (p *Packager) SizeEstimate() int {
	return p.payloadBytes + p.overhead + len(open) + len(closeB)
}

// Splice emits the framed payload: OPEN, then every record across every
// package in insertion order separated by DELIM, then CLOSE. Empty
// packages contribute nothing. Splice does not mutate state, so repeated
// calls are idempotent and yield equal byte sequences; Clear releases the
// accumulated records.
func (p *Packager) Splice() []byte {
	out := make([]byte, 0, p.SizeEstimate())
	out = append(out, open...)
	first := true
	for _, tenant := range p.tenantOrder {
		pkg := p.packages[tenant]
		for _, rec := range pkg.Records {
			if !first {
				out = append(out, delim...)
			}
			out = append(out, rec.Bytes...)
			first = false
		}
	}
	out = append(out, closeB...)
	return out
}

// RecordCount returns the total number of records accumulated across all
// tenant packages.
func (p *Packager) RecordCount() int {
	n := 0
	for _, pkg := range p.packages {
		n += len(pkg.Records)
	}
	return n
}

// Packages returns the tenant packages in insertion order.
func (p *Packager) Packages() []models.Package {
	out := make([]models.Package, 0, len(p.tenantOrder))
	for _, tenant := range p.tenantOrder {
		out = append(out, *p.packages[tenant])
	}
	return out
}

// Clear releases all underlying memory; the Packager is empty afterward.
func (p *Packager) Clear() {
	p.tenantOrder = nil
	p.packages = make(map[string]*models.Package)
	p.payloadBytes = 0
	p.overhead = 0
}
