package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"flashkv/pkg/codec"
	"flashkv/pkg/common"
	"flashkv/pkg/config"
	"flashkv/pkg/core"
	"flashkv/pkg/flash"
	"flashkv/pkg/nor"
	"flashkv/pkg/storage"
)

const Prompt = "flashkv> "

// session is the command set the REPL drives, bound to one device type.
type session struct {
	ctx    context.Context
	mem    *flash.Mem
	cache  *storage.KeyPointerCache
	get    func(key string) (any, bool, error)
	raw    func(key string) ([]byte, bool, error)
	put    func(key string, value any) error
	remove func(key string) error
	erase  func() error
	dump   func() ([]common.Record, error)
}

func bind[F nor.Flash](ctx context.Context, st *core.Storage[F], mem *flash.Mem, cache *storage.KeyPointerCache) *session {
	return &session{
		ctx:   ctx,
		mem:   mem,
		cache: cache,
		get: func(key string) (any, bool, error) {
			return core.Get[any](ctx, st, key)
		},
		raw: func(key string) ([]byte, bool, error) {
			return core.GetRaw(ctx, st, key)
		},
		put: func(key string, value any) error {
			return core.Insert(ctx, st, key, value)
		},
		erase: func() error {
			return st.EraseAll(ctx)
		},
		dump: func() ([]common.Record, error) {
			return st.Dump(ctx)
		},
	}
}

func main() {
	configPath := flag.String("config", "", "Path to flashkv.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	level, _ := cfg.System.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	storage.SetLogger(logger.With("component", "storage"))

	ctx := context.Background()
	s, closeImage, err := open(ctx, cfg, logger)
	if err != nil {
		fmt.Printf("Open failed: %v\n", err)
		os.Exit(1)
	}
	defer closeImage()

	fmt.Printf("flashkv CLI (device: %d bytes, range: [%d, %d), image: %s)\n",
		cfg.Flash.Geometry.Capacity, cfg.Storage.Start, cfg.Storage.End, cfg.Image.Backend)
	fmt.Println("Type 'help' for commands.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(Prompt)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		switch cmd {
		case "put", "set":
			handlePut(s, parts)
		case "get":
			handleGet(s, parts)
		case "raw":
			handleRaw(s, parts)
		case "del", "rm":
			handleDel(s, parts)
		case "erase":
			handleErase(s)
		case "dump":
			handleDump(s)
		case "stats":
			handleStats(s)
		case "help":
			printHelp()
		case "exit", "quit":
			fmt.Println("Bye!")
			return
		default:
			fmt.Printf("Unknown command: '%s'. Type 'help'.\n", cmd)
		}
	}
}

func open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session, func(), error) {
	var img flash.Image
	var err error
	switch cfg.Image.Backend {
	case "sqlite":
		img, err = flash.NewSQLiteImage(cfg.Image.Path)
	case "badger":
		img, err = flash.NewBadgerImage(cfg.Image.Path)
	}
	if err != nil {
		return nil, nil, err
	}
	closeImage := func() {
		if img != nil {
			if err := img.Close(); err != nil {
				logger.Error("close image", "error", err)
			}
		}
	}

	var mem *flash.Mem
	var mw *flash.MultiwriteMem
	if cfg.Flash.Multiwrite {
		mw, err = flash.NewMultiwriteMem(cfg.Flash.Geometry)
		if mw != nil {
			mem = mw.Mem
		}
	} else {
		mem, err = flash.NewMem(cfg.Flash.Geometry)
	}
	if err != nil {
		closeImage()
		return nil, nil, err
	}
	mem.SetLogger(logger.With("component", "flash"))
	if img != nil {
		if err := mem.Attach(ctx, img); err != nil {
			closeImage()
			return nil, nil, err
		}
	}

	r := common.Range{Start: cfg.Storage.Start, End: cfg.Storage.End}
	opts := []core.Option{core.WithLogger(logger)}
	var cache *storage.KeyPointerCache
	if cfg.System.KeyCacheSize > 0 {
		cache = storage.NewKeyPointerCache(cfg.System.KeyCacheSize, cfg.System.ExpectedKeys)
		opts = append(opts, core.WithCache(cache))
	}

	var s *session
	var warm func(context.Context) error
	if mw != nil {
		st := core.New(mw, r, opts...)
		s = bind(ctx, st, mem, cache)
		s.remove = func(key string) error {
			return core.Remove(ctx, st, key)
		}
		warm = st.Warm
	} else {
		st := core.New(mem, r, opts...)
		s = bind(ctx, st, mem, cache)
		warm = st.Warm
	}
	if cache != nil {
		if err := warm(ctx); err != nil {
			closeImage()
			return nil, nil, err
		}
	}
	return s, closeImage, nil
}

// parseValue stores integers as integers and everything else as text.
func parseValue(parts []string) any {
	value := strings.Join(parts, " ")
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	return value
}

func handlePut(s *session, parts []string) {
	if len(parts) < 3 {
		fmt.Println("Usage: put <key> <value>")
		return
	}

	start := time.Now()
	err := s.put(parts[1], parseValue(parts[2:]))
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v\n", err)
	} else {
		fmt.Printf("OK (%v)\n", duration)
	}
}

func handleGet(s *session, parts []string) {
	if len(parts) < 2 {
		fmt.Println("Usage: get <key>")
		return
	}

	start := time.Now()
	val, ok, err := s.get(parts[1])
	duration := time.Since(start)

	switch {
	case err != nil:
		fmt.Printf("Error: %v\n", err)
	case !ok:
		fmt.Printf("(not found) (%v)\n", duration)
	default:
		fmt.Printf("%#v (%v)\n", val, duration)
	}
}

func handleRaw(s *session, parts []string) {
	if len(parts) < 2 {
		fmt.Println("Usage: raw <key>")
		return
	}
	val, ok, err := s.raw(parts[1])
	switch {
	case err != nil:
		fmt.Printf("Error: %v\n", err)
	case !ok:
		fmt.Println("(not found)")
	default:
		fmt.Println(hex.EncodeToString(val))
	}
}

func handleDel(s *session, parts []string) {
	if len(parts) < 2 {
		fmt.Println("Usage: del <key>")
		return
	}
	if s.remove == nil {
		fmt.Println("Error: device is not multiwrite capable; set flash.multiwrite")
		return
	}

	start := time.Now()
	err := s.remove(parts[1])
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v\n", err)
	} else {
		fmt.Printf("Deleted (%v)\n", duration)
	}
}

func handleErase(s *session) {
	start := time.Now()
	if err := s.erase(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Erased (%v)\n", time.Since(start))
}

func handleDump(s *session) {
	start := time.Now()
	records, err := s.dump()
	duration := time.Since(start)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Found %d records (%v):\n", len(records), duration)
	count := 0
	for _, rec := range records {
		if count >= 20 {
			fmt.Printf("... and %d more\n", len(records)-20)
			break
		}
		key := hex.EncodeToString(rec.Key)
		if k, _, err := codec.DecodeKey(rec.Key); err == nil {
			key = k.String()
		}
		val, err := codec.DecodeValue[any](rec.Value)
		if errors.Is(err, common.ErrInvalidData) {
			fmt.Printf("  %s -> 0x%s\n", key, hex.EncodeToString(rec.Value))
		} else {
			fmt.Printf("  %s -> %#v\n", key, val)
		}
		count++
	}
}

func handleStats(s *session) {
	st := s.mem.Stats().Snapshot()
	fmt.Printf("reads:  %d (%d bytes)\n", st.ReadCount, st.BytesRead)
	fmt.Printf("writes: %d (%d bytes)\n", st.WriteCount, st.BytesWritten)
	fmt.Printf("erases: %d sectors, %.1f writes per erase\n", st.EraseCount, s.mem.Stats().GetWritesPerErase())
	fmt.Printf("sector wear: %v\n", s.mem.EraseCounts())
	if s.cache != nil {
		for k, v := range s.cache.Stats() {
			fmt.Printf("%s: %v\n", k, v)
		}
	}
}

func printHelp() {
	fmt.Println(`
Commands:
  put <key> <value>      Insert/Update record (integers stored as integers)
  get <key>              Retrieve record
  raw <key>              Retrieve encoded value bytes as hex
  del <key>              Delete record (multiwrite devices only)
  erase                  Erase the whole storage range
  dump                   List every visible record
  stats                  Flash and cache counters
  exit                   Exit CLI
	`)
}
