// Package walreader implements the page-aligned WAL segment reader (spec
// component 4.B): it opens the segment containing a starting LSN, reads
// XLOG_BLCKSZ-aligned pages, and reassembles logical records that may span
// page and segment boundaries.
package walreader

// PageSize is XLOG_BLCKSZ: the page size WAL segments are internally
// chunked into, independent of (though numerically equal to) the relation
// block size in internal/pgpage.
const PageSize = 8192

// Page header layout, matching XLogPageHeaderData: a short header on every
// page, extended to a long header on the first page of a segment.
const (
	ShortHeaderSize = 24
	LongHeaderSize  = 40
)

// Page header flag bits (xlp_info).
const (
	// FirstIsContrecord marks a page that begins with the tail of a
	// record started on an earlier page.
	FirstIsContrecord uint16 = 0x0001
	// LongHeader marks a page carrying the extended header fields
	// (system id, segment size, block size) -- always set on the first
	// page of a segment.
	LongHeader uint16 = 0x0002
	// BkpRemovable marks a page whose preceding gap may be safely
	// omitted by tools that only stream committed pages (not used by
	// this reader, but a real bit of the header word for round-tripping
	// fixtures unmodified).
	BkpRemovable uint16 = 0x0004
)

// pageMagic identifies a valid WAL page header for this build's on-disk
// format.
const pageMagic uint16 = 0xD113

// xLogRecordSize is the fixed record header: total_len(4) + xid(4) +
// prev_lsn(8) + info(1) + rmid(1) + pad(2) + crc(4) = 24 bytes.
const xLogRecordSize = 24

// blockRefSize is one fixed-size block-reference entry following a
// record's header: forkFlags(1) + tablespace(4) + db(4) + relfilenode(4) +
// block(4) = 17 bytes.
const blockRefSize = 1 + 4 + 4 + 4 + 4

// modifiesRelationFlag is an info-byte bit this implementation reserves to
// mean "this record carries one or more block references" -- the flag
// the semantic extractor checks before it will tolerate an unrecognized
// resource-manager id (spec: "modifies a relation but rmgr unknown" is
// fatal).
const modifiesRelationFlag uint8 = 0x80

// RmgrID is the resource-manager id attached to a record, matching the
// reference implementation's table (0-21).
type RmgrID uint8

const (
	RmXLOG RmgrID = iota
	RmTransaction
	RmStorage
	RmCLog
	RmDatabase
	RmTablespace
	RmMultiXact
	RmRelMap
	RmStandby
	RmHeap2
	RmHeap
	RmBtree
	RmHash
	RmGin
	RmGist
	RmSequence
	RmSPGist
	RmBRIN
	RmCommitTs
	RmReplicationOrigin
	RmGeneric
	RmLogicalMessage
	rmgrCount
)

// KnownRmgr reports whether id falls within the table this build
// recognizes.
func KnownRmgr(id RmgrID) bool {
	return id < rmgrCount
}

// Info-byte values this package's semantic extractor understands, scoped to
// what §4.C names explicitly.
const (
	// InfoHeapModify marks any Heap/Heap2 record as touching the block(s)
	// named in its block references (insert/update/delete/etc. are all
	// treated uniformly -- the extractor does not need the specific
	// sub-opcode).
	InfoHeapModify uint8 = 0x10

	// InfoXactCommit and InfoXactAbort mark a Transaction record carrying
	// a commit/abort timestamp.
	InfoXactCommit uint8 = 0x00
	InfoXactAbort  uint8 = 0x20

	// InfoRestorePoint marks an XLOG record naming a user-defined restore
	// point, which also carries a timestamp.
	InfoRestorePoint uint8 = 0x40

	// InfoDBaseCreate, InfoDBaseDrop, InfoSmgrCreate, InfoSmgrTruncate
	// are recognized but ignored by the extractor: file-level diffing
	// handles their effect.
	InfoDBaseCreate   uint8 = 0x00
	InfoDBaseDrop     uint8 = 0x10
	InfoSmgrCreate    uint8 = 0x00
	InfoSmgrTruncate  uint8 = 0x10
)

// ForkNumber identifies which relation fork a block reference addresses.
type ForkNumber uint8

const (
	ForkMain ForkNumber = iota
	ForkFSM
	ForkVisibilityMap
	ForkInit
)
