package index

// DocumentIndex is the read/write surface of the index. Consumers depend on
// it rather than *DB.
type DocumentIndex interface {
	UpsertDocument(d DocumentRow, body string, blocks []BlockRow, links []string) error
	DeleteDocument(path string) error
	GetChecksum(path string) (string, error)
	GetDocument(path string) (*DocumentRow, error)
	ListDocuments(limit, offset int, tag string) ([]DocumentRow, int, error)
	Blocks(path string) ([]BlockRow, error)
	FindBlocks(q BlockQuery) ([]BlockRow, error)
	Search(query string, limit int) ([]SearchResult, error)
	Backlinks(target string) ([]string, error)
	AllChecksums() (map[string]string, error)
	Close() error
}

var _ DocumentIndex = (*DB)(nil)
