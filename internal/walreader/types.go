package walreader

import "github.com/pgbackup/pgbackup/internal/lsn"

// PageHeader is the decoded header of one XLOG_BLCKSZ page within a
// segment.
type PageHeader struct {
	Info       uint16
	TimelineID uint32
	PageAddr   lsn.LSN
	RemLen     uint32

	// Long-header-only fields, valid iff Info&LongHeader != 0.
	SystemID uint64
	SegSize  uint32
	BlockSize uint32
}

// IsContrecord reports whether this page begins with the tail of a record
// started on an earlier page.
func (h PageHeader) IsContrecord() bool { return h.Info&FirstIsContrecord != 0 }

// RelFileNode names the tablespace/database/relation triple a block
// reference addresses.
type RelFileNode struct {
	Tablespace uint32
	DB         uint32
	RelNode    uint32
}

// BlockRef is one block reference attached to a record.
type BlockRef struct {
	Node    RelFileNode
	Fork    ForkNumber
	BlockNo uint32
}

// Record is one reassembled logical WAL record.
type Record struct {
	StartLSN lsn.LSN
	EndLSN   lsn.LSN
	PrevLSN  lsn.LSN
	Xid      uint32
	RmID     RmgrID
	Info     uint8
	CRC      uint32
	Body     []byte
	Refs     []BlockRef
}

// ModifiesRelation reports whether Info carries the "this record touches
// block references" flag that the semantic extractor uses to decide
// whether an unknown rmgr id is tolerable or fatal.
func (r Record) ModifiesRelation() bool {
	return r.Info&modifiesRelationFlag != 0
}
