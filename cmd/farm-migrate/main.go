// Command farm-migrate performs additive, idempotent bbolt schema migrations
// against a stopped node's local leader database. It never touches a running
// node's database; stop the node first.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "", "node's local leader database directory (contains farm.db)")
	dryRun     = flag.Bool("dry-run", false, "show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "path to back up the database to before migrating (default: <data-dir>/farm.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Farm Database Migration Tool")
	log.Println("=============================")

	if *dataDir == "" {
		log.Fatalf("--data-dir is required")
	}

	dbPath := filepath.Join(*dataDir, "farm.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := migrateLegacyBuckets(db, *dryRun); err != nil {
		log.Fatalf("bucket rename migration failed: %v", err)
	}
	if err := backfillJobPriority(db, *dryRun); err != nil {
		log.Fatalf("priority backfill migration failed: %v", err)
	}

	if *dryRun {
		log.Println("dry run completed, no changes made")
		log.Println("run without -dry-run to perform the migration")
		return
	}
	log.Println("migration completed successfully")
}

// migrateLegacyBuckets renames the pre-priority-dispatch bucket names
// ("renders"/"segments") to the current ones ("jobs"/"chunks"), preserving
// the legacy buckets for rollback. A database already on the current schema
// has no "renders"/"segments" buckets and this is a no-op.
func migrateLegacyBuckets(db *bolt.DB, dryRun bool) error {
	renames := []struct {
		legacy  string
		current string
	}{
		{"renders", "jobs"},
		{"segments", "chunks"},
	}

	for _, r := range renames {
		var count int
		err := db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(r.legacy))
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, v []byte) error {
				count++
				return nil
			})
		})
		if err != nil {
			return err
		}
		if count == 0 {
			continue
		}

		log.Printf("found %d records in legacy bucket %q to copy into %q", count, r.legacy, r.current)
		if dryRun {
			log.Printf("[DRY RUN] would copy %d records from %q to %q", count, r.legacy, r.current)
			continue
		}

		copied := 0
		err = db.Update(func(tx *bolt.Tx) error {
			legacy := tx.Bucket([]byte(r.legacy))
			current, err := tx.CreateBucketIfNotExists([]byte(r.current))
			if err != nil {
				return fmt.Errorf("create bucket %s: %w", r.current, err)
			}
			return legacy.ForEach(func(k, v []byte) error {
				var probe map[string]interface{}
				if err := json.Unmarshal(v, &probe); err != nil {
					log.Printf("skipping invalid JSON for legacy key %s: %v", k, err)
					return nil
				}
				if err := current.Put(k, v); err != nil {
					return fmt.Errorf("copy %s: %w", k, err)
				}
				copied++
				return nil
			})
		})
		if err != nil {
			return err
		}
		log.Printf("copied %d/%d records from %q into %q, legacy bucket preserved for rollback", copied, count, r.legacy, r.current)
	}
	return nil
}

// backfillJobPriority sets an explicit priority field on job records that
// predate priority-based dispatch, defaulting them to 0 so every record in
// the jobs bucket carries the field explicitly rather than relying on JSON's
// implicit zero value.
func backfillJobPriority(db *bolt.DB, dryRun bool) error {
	type stale struct {
		key []byte
		val map[string]interface{}
	}
	var toFix []stale

	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("jobs"))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var row map[string]interface{}
			if err := json.Unmarshal(v, &row); err != nil {
				log.Printf("skipping invalid JSON for job key %s: %v", k, err)
				return nil
			}
			if _, ok := row["priority"]; ok {
				return nil
			}
			toFix = append(toFix, stale{key: append([]byte(nil), k...), val: row})
			return nil
		})
	})
	if err != nil {
		return err
	}

	if len(toFix) == 0 {
		log.Println("every job record already carries an explicit priority")
		return nil
	}

	log.Printf("found %d job records missing an explicit priority", len(toFix))
	if dryRun {
		log.Printf("[DRY RUN] would set priority=0 on %d job records", len(toFix))
		return nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("jobs"))
		for i, row := range toFix {
			row.val["priority"] = 0
			encoded, err := json.Marshal(row.val)
			if err != nil {
				return fmt.Errorf("re-encode job %s: %w", row.key, err)
			}
			if err := b.Put(row.key, encoded); err != nil {
				return fmt.Errorf("put job %s: %w", row.key, err)
			}
			if (i+1)%10 == 0 {
				log.Printf("  backfilled %d/%d...", i+1, len(toFix))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("backfilled priority on %d/%d job records", len(toFix), len(toFix))
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
