package checker

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// DatabaseStatus classifies one database's comparison outcome against
// one secondary.
type DatabaseStatus string

const (
	DatabaseConsistent            DatabaseStatus = "consistent"
	DatabaseCollectionSetMismatch DatabaseStatus = "collection-set-mismatch"
	DatabaseHashMismatch          DatabaseStatus = "hash-mismatch"
)

// aggregateHashLabel is the pseudo-collection under which a bare
// aggregate-hash mismatch (all per-collection hashes equal) is
// reported.
const aggregateHashLabel = "(aggregate)"

// HashMismatch records one disagreeing hash pair.
type HashMismatch struct {
	Namespace     string
	PrimaryHash   string
	SecondaryHash string
}

// DatabaseResult is the comparison of one database between the primary
// and one secondary.
type DatabaseResult struct {
	Database  string
	Primary   string
	Secondary string
	Status    DatabaseStatus

	// Collection names present on only one of the two nodes.
	PrimaryOnlyCollections   []string
	SecondaryOnlyCollections []string

	HashMismatches []HashMismatch

	// Deep diffs for every collection that needed one.
	Diffs []DocumentDiff
}

// ConsistencyReport is the overall outcome of one check run. It is
// built fresh per run and never persisted.
type ConsistencyReport struct {
	RunID     uuid.UUID
	Blacklist []string
	Databases []DatabaseResult
}

// Consistent reports the run's verdict: true iff every database on
// every secondary matched the primary.
func (r *ConsistencyReport) Consistent() bool {
	for _, db := range r.Databases {
		if db.Status != DatabaseConsistent {
			return false
		}
	}

	return true
}

// Render writes a human-readable form of the report. Per mismatch it
// shows the namespace, both sides' values or documents, and which node
// each came from.
func (r *ConsistencyReport) Render(w io.Writer) error {
	fmt.Fprintf(w, "Consistency check %s\n", r.RunID)
	fmt.Fprintf(w, "Excluded databases: %s\n", strings.Join(r.Blacklist, ", "))

	if r.Consistent() {
		fmt.Fprintf(
			w,
			"All %s compared databases are consistent across the cluster.\n",
			humanize.Comma(int64(len(r.Databases))),
		)
		return nil
	}

	statusTable := tablewriter.NewWriter(w)
	statusTable.SetHeader([]string{"Database", "Primary", "Secondary", "Status"})
	for _, db := range r.Databases {
		statusTable.Append([]string{db.Database, db.Primary, db.Secondary, string(db.Status)})
	}
	statusTable.Render()

	for _, db := range r.Databases {
		if db.Status == DatabaseConsistent {
			continue
		}

		if err := db.render(w); err != nil {
			return err
		}
	}

	return nil
}

func (db *DatabaseResult) render(w io.Writer) error {
	fmt.Fprintf(
		w,
		"\nDatabase %#q (%s vs %s): %s\n",
		db.Database,
		db.Primary,
		db.Secondary,
		db.Status,
	)

	for _, name := range db.PrimaryOnlyCollections {
		fmt.Fprintf(w, "  collection %s.%s exists only on the primary (%s)\n", db.Database, name, db.Primary)
	}
	for _, name := range db.SecondaryOnlyCollections {
		fmt.Fprintf(w, "  collection %s.%s exists only on the secondary (%s)\n", db.Database, name, db.Secondary)
	}

	if len(db.HashMismatches) > 0 {
		hashTable := tablewriter.NewWriter(w)
		hashTable.SetHeader([]string{"Namespace", "Primary Hash", "Secondary Hash"})
		for _, mismatch := range db.HashMismatches {
			hashTable.Append([]string{mismatch.Namespace, mismatch.PrimaryHash, mismatch.SecondaryHash})
		}
		hashTable.Render()
	}

	for _, diff := range db.Diffs {
		if err := diff.render(w, db.Primary, db.Secondary); err != nil {
			return err
		}
	}

	return nil
}

func (d *DocumentDiff) render(w io.Writer, primaryHost, secondaryHost string) error {
	fmt.Fprintf(
		w,
		"  %s: %s differing documents\n",
		d.Namespace,
		humanize.Comma(int64(d.DocCount())),
	)

	for _, pair := range d.ContentMismatches {
		fields, err := FieldMismatches(pair.Primary, pair.Secondary)
		if err != nil {
			return errors.Wrapf(err, "failed to detail a mismatch in %#q", d.Namespace)
		}

		detail := "fields in different order"
		if len(fields) > 0 {
			detail = "differing fields: " + strings.Join(fields, ", ")
		}

		fmt.Fprintf(
			w,
			"    content mismatch (%s):\n      primary   (%s): %s\n      secondary (%s): %s\n",
			detail,
			primaryHost,
			mustExtJSON(pair.Primary),
			secondaryHost,
			mustExtJSON(pair.Secondary),
		)
	}

	for _, doc := range d.MissingOnSecondary {
		fmt.Fprintf(
			w,
			"    missing on secondary (%s): %s\n",
			secondaryHost,
			mustExtJSON(doc),
		)
	}

	for _, doc := range d.MissingOnPrimary {
		fmt.Fprintf(
			w,
			"    missing on primary (%s): %s\n",
			primaryHost,
			mustExtJSON(doc),
		)
	}

	return nil
}

// mustExtJSON renders a document as canonical extended JSON, falling
// back to the raw stringification if the document won't marshal.
func mustExtJSON(doc bson.Raw) string {
	extJSON, err := bson.MarshalExtJSON(doc, true, false)
	if err != nil {
		return doc.String()
	}

	return string(extJSON)
}
