// Command aegis-migrate is an offline bbolt schema migration tool for
// a single node's data directory. It is grounded on the teacher's
// warren-migrate tool: same flag shape (-data-dir/-dry-run/-backup),
// same backup-before-migrate discipline, same bucket-copy-then-keep
// strategy so a failed migration never destroys the legacy data.
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
	dataDir    = flag.String("data-dir", "/var/lib/aegis", "aegisd node data directory")
	dryRun     = flag.Bool("dry-run", false, "show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "path to back up the database before migration (default: <data-dir>/aegis.db.backup)")
)

// legacyMemorySnapshots is the bucket name early deployments used for
// Memory Vault snapshots, before snapshot_id replaced agent_id as the
// key and the bucket was renamed to "snapshots".
const legacyMemorySnapshots = "memory_snapshots"

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Aegis Database Migration Tool - memory_snapshots -> snapshots")
	log.Println("===============================================================")

	dbPath := filepath.Join(*dataDir, "aegis.db")
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

	if err := migrateMemorySnapshots(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\ndry run completed, no changes made")
		log.Println("run without -dry-run to perform the migration")
	} else {
		log.Println("\nmigration completed successfully")
		log.Println("legacy 'memory_snapshots' bucket preserved for rollback if needed")
	}
}

// migrateMemorySnapshots copies every record out of the legacy
// "memory_snapshots" bucket into the current "snapshots" bucket,
// validating each value is well-formed JSON before it is copied. The
// legacy bucket is left in place so a bad migration can be reverted
// by hand.
func migrateMemorySnapshots(db *bolt.DB, dryRun bool) error {
	var legacyCount int

	err := db.View(func(tx *bolt.Tx) error {
		legacy := tx.Bucket([]byte(legacyMemorySnapshots))
		if legacy == nil {
			log.Println("no 'memory_snapshots' bucket found - database is already using the current schema")
			return nil
		}
		if tx.Bucket([]byte("snapshots")) != nil {
			log.Println("warning: both 'memory_snapshots' and 'snapshots' buckets exist")
		}
		return legacy.ForEach(func(k, v []byte) error {
			legacyCount++
			return nil
		})
	})
	if err != nil {
		return err
	}
	if legacyCount == 0 {
		log.Println("no legacy snapshots found to migrate")
		return nil
	}
	log.Printf("found %d legacy snapshots to migrate", legacyCount)

	if dryRun {
		log.Println("\n[dry run] would perform the following operations:")
		log.Println("1. create 'snapshots' bucket")
		log.Printf("2. copy %d records from 'memory_snapshots' to 'snapshots'", legacyCount)
		log.Println("3. preserve 'memory_snapshots' bucket for rollback")
		return nil
	}

	migrated := 0
	return db.Update(func(tx *bolt.Tx) error {
		legacy := tx.Bucket([]byte(legacyMemorySnapshots))
		if legacy == nil {
			return nil
		}
		current, err := tx.CreateBucketIfNotExists([]byte("snapshots"))
		if err != nil {
			return fmt.Errorf("failed to create snapshots bucket: %w", err)
		}

		return legacy.ForEach(func(k, v []byte) error {
			var probe map[string]any
			if err := json.Unmarshal(v, &probe); err != nil {
				log.Printf("warning: skipping invalid JSON for key %s: %v", k, err)
				return nil
			}
			if err := current.Put(k, v); err != nil {
				return fmt.Errorf("failed to copy snapshot %s: %w", k, err)
			}
			migrated++
			if migrated%10 == 0 {
				log.Printf("  migrated %d/%d...", migrated, legacyCount)
			}
			return nil
		})
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
