package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"flashkv/pkg/common"
	"flashkv/pkg/core"
	"flashkv/pkg/flash"
	"flashkv/pkg/storage"
)

var geom = flash.Geometry{ReadSize: 1, WriteSize: 4, EraseSize: 4096, Capacity: 64 * 1024}

func main() {
	nReq := flag.Int("n", 5000, "Number of inserts per run")
	nKeys := flag.Int("keys", 64, "Number of distinct keys")
	flag.Parse()

	fmt.Printf("flashkv Benchmark (N=%d, keys=%d, sectors=%d)\n", *nReq, *nKeys, geom.Sectors())
	fmt.Println("---------------------------------------------------")

	fmt.Println(">> Starting run without cache...")
	plain := run(*nReq, *nKeys, nil)
	plain.print()

	fmt.Println(">> Starting run with key pointer cache...")
	cached := run(*nReq, *nKeys, storage.NewKeyPointerCache(*nKeys, uint(*nKeys)))
	cached.print()

	fmt.Println("---------------------------------------------------")
	speedup := plain.reads.Seconds() / cached.reads.Seconds()
	fmt.Printf("Conclusion: cached reads are %.2fx faster\n", speedup)
}

type result struct {
	writes time.Duration
	reads  time.Duration
	n      int
	mem    *flash.Mem
}

func (r result) print() {
	st := r.mem.Stats().Snapshot()
	fmt.Printf("   Insert Time: %v | QPS: %.0f\n", r.writes, float64(r.n)/r.writes.Seconds())
	fmt.Printf("   Get    Time: %v | QPS: %.0f\n", r.reads, float64(r.n)/r.reads.Seconds())
	fmt.Printf("   Flash: %d reads, %d bytes written, %d erases (%.1f writes/erase)\n",
		st.ReadCount, st.BytesWritten, st.EraseCount, r.mem.Stats().GetWritesPerErase())
	fmt.Printf("   Wear: %v\n\n", r.mem.EraseCounts())
}

func run(n, keys int, cache storage.Cache) result {
	ctx := context.Background()
	mem, err := flash.NewMem(geom)
	if err != nil {
		log.Fatalf("Flash setup failed: %v", err)
	}
	var opts []core.Option
	if cache != nil {
		opts = append(opts, core.WithCache(cache))
	}
	kv := core.New(mem, common.Range{Start: 0, End: uint32(geom.Capacity)}, opts...)
	if err := kv.EraseAll(ctx); err != nil {
		log.Fatalf("Erase failed: %v", err)
	}

	start := time.Now()
	for i := 0; i < n; i++ {
		if err := core.Insert(ctx, kv, fmt.Sprintf("bench-%04d", i%keys), i); err != nil {
			log.Fatalf("Insert %d failed: %v", i, err)
		}
	}
	writes := time.Since(start)

	start = time.Now()
	for i := 0; i < n; i++ {
		if _, ok, err := core.Get[int](ctx, kv, fmt.Sprintf("bench-%04d", i%keys)); err != nil || !ok {
			log.Fatalf("Get %d failed: found=%v err=%v", i, ok, err)
		}
	}
	reads := time.Since(start)

	return result{writes: writes, reads: reads, n: n, mem: mem}
}
