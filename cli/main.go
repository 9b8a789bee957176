package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sstore"
)

const usage = `usage: sstore -dir DIR [flags] <command> [args]

commands:
  put C K V        store V under K in collection C
  get C K          print the value of K
  rm C K           remove K
  expire C K AGE   get K, removing it if older than AGE
  sweep C AGE      remove every entry of C older than AGE
  stats C          print occupancy of C
  dump C           print every entry of C
  import C SRC     store every file under SRC keyed by relative path
  verify C SRC     compare every file under SRC with its stored copy
`

func main() {
	dir := flag.String("dir", "", "database directory (a temporary one when empty)")
	timeout := flag.Duration("timeout", 0, "how long to wait for the directory lock")
	noSync := flag.Bool("nosync", false, "skip fdatasync after each write")
	verbose := flag.Bool("v", false, "debug logging")
	workers := flag.Int("workers", 8, "concurrent file readers for import/verify")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	db, err := sstore.Open(*dir, &sstore.Options{Timeout: *timeout, NoSync: *noSync})
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	err = run(db, args, *workers)
	if cerr := db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatal(err)
	}
}

func want(args []string, n int) error {
	if len(args) != n {
		return errors.Errorf("%s: want %d arguments, got %d", args[0], n-1, len(args)-1)
	}
	return nil
}

func run(db *sstore.DB, args []string, workers int) error {
	cmd, coll := args[0], args[1]
	switch cmd {
	case "put":
		if err := want(args, 4); err != nil {
			return err
		}
		return db.Put(coll, []byte(args[2]), []byte(args[3]))
	case "get":
		if err := want(args, 3); err != nil {
			return err
		}
		v, ok, err := db.Get(coll, []byte(args[2]))
		return printValue(v, ok, err)
	case "rm":
		if err := want(args, 3); err != nil {
			return err
		}
		return db.Remove(coll, []byte(args[2]))
	case "expire":
		if err := want(args, 4); err != nil {
			return err
		}
		age, err := time.ParseDuration(args[3])
		if err != nil {
			return errors.Wrap(err, "max age")
		}
		v, ok, err := db.GetOrExpire(coll, []byte(args[2]), age)
		return printValue(v, ok, err)
	case "sweep":
		if err := want(args, 3); err != nil {
			return err
		}
		age, err := time.ParseDuration(args[2])
		if err != nil {
			return errors.Wrap(err, "max age")
		}
		// RemoveOlderThan only knows collections used in this session.
		if _, err := db.Stats(coll); err != nil {
			return err
		}
		n, err := db.RemoveOlderThan(coll, age)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d\n", n)
		return nil
	case "stats":
		st, err := db.Stats(coll)
		if err != nil {
			return err
		}
		fmt.Printf("used=%d fill=%d capacity=%d brk=%d free=%d\n",
			st.Used, st.Fill, st.Capacity, st.Brk, st.FreeRanges)
		return nil
	case "dump":
		return db.Each(coll, func(kv sstore.KVPair) bool {
			fmt.Printf("%s\t%s\t%q\n", kv.Key, time.Unix(0, kv.Created).Format(time.RFC3339), kv.Value)
			return true
		})
	case "import":
		if err := want(args, 3); err != nil {
			return err
		}
		return importDir(db, coll, args[2], workers)
	case "verify":
		if err := want(args, 3); err != nil {
			return err
		}
		return verifyDir(db, coll, args[2], workers)
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
}

func printValue(v []byte, ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(absent)")
		return nil
	}
	fmt.Printf("%s\n", v)
	return nil
}

// forEachFile calls fn concurrently for every regular file under src with
// its path relative to src.
func forEachFile(src string, workers int, fn func(rel string, data []byte) error) error {
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var g errgroup.Group
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("skipping")
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			data, err := ioutil.ReadFile(path)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			return fn(filepath.ToSlash(rel), data)
		})
		return nil
	})
	if gerr := g.Wait(); err == nil {
		err = gerr
	}
	return err
}

func importDir(db *sstore.DB, coll, src string, workers int) error {
	var files, size int64
	start := time.Now()
	err := forEachFile(src, workers, func(rel string, data []byte) error {
		atomic.AddInt64(&files, 1)
		atomic.AddInt64(&size, int64(len(data)))
		return db.Put(coll, []byte(rel), data)
	})
	log.WithFields(log.Fields{
		"files":   files,
		"bytes":   size,
		"elapsed": time.Since(start),
	}).Info("import finished")
	return err
}

func verifyDir(db *sstore.DB, coll, src string, workers int) error {
	var ok, bad, missing int64
	start := time.Now()
	err := forEachFile(src, workers, func(rel string, data []byte) error {
		v, found, err := db.Get(coll, []byte(rel))
		switch {
		case err != nil:
			return err
		case !found:
			atomic.AddInt64(&missing, 1)
		case string(v) == string(data):
			atomic.AddInt64(&ok, 1)
		default:
			atomic.AddInt64(&bad, 1)
			log.WithField("key", rel).Warn("content mismatch")
		}
		return nil
	})
	log.WithFields(log.Fields{
		"ok":      ok,
		"bad":     bad,
		"missing": missing,
		"elapsed": time.Since(start),
	}).Info("verify finished")
	if err == nil && (bad > 0 || missing > 0) {
		err = errors.Errorf("verify: %d mismatched, %d missing", bad, missing)
	}
	return err
}
