package driver

import (
	"io"

	"github.com/pgbackup/pgbackup/internal/lsn"
	"github.com/pgbackup/pgbackup/internal/pagemap"
	"github.com/pgbackup/pgbackup/internal/walextract"
	"github.com/pgbackup/pgbackup/internal/walreader"
)

// RelSegSize is the number of 8 KiB blocks per relation segment file
// (1 GiB segments), used to turn a flat block number into (segno,
// block-within-segment).
const RelSegSize = 131072

// BuildPageMaps runs 4.B/4.C over [from, to) on timeline tli and returns a
// page-map per relation segment path, per §4.K step 5 ("for PAGE mode: run
// 4.B/4.C from parent's start-LSN to current start-LSN to build a page-map
// per relation segment").
func BuildPageMaps(walDir string, tli uint32, segSize uint64, from, to lsn.LSN) (map[string]*pagemap.Map, error) {
	maps := map[string]*pagemap.Map{}
	if from == to {
		return maps, nil
	}
	r, err := walreader.NewReader(walDir, tli, from, segSize, walreader.Bound{StopLSN: to})
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return maps, nil
		}
		if err != nil {
			return nil, err
		}
		extracted, err := walextract.Extract(rec)
		if err != nil {
			return nil, err
		}
		for _, b := range extracted.Blocks {
			segNo := b.BlockNo / RelSegSize
			blockInSeg := b.BlockNo % RelSegSize
			path := RelationPath(RelFileRef{DBOid: b.DBOID, RelOid: b.RelFileNode, SegNo: segNo})
			m, ok := maps[path]
			if !ok {
				m = pagemap.New()
				maps[path] = m
			}
			m.Insert(blockInSeg)
		}
	}
}
