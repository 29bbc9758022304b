package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"flashkv/pkg/common"
	"flashkv/pkg/core"
	"flashkv/pkg/flash"
)

func main() {
	ctx := context.Background()
	dev, err := flash.NewMultiwriteMem(flash.Geometry{
		ReadSize:  1,
		WriteSize: 4,
		EraseSize: 4096,
		Capacity:  32 * 1024,
	})
	if err != nil {
		log.Fatalf("Failed to create flash: %v", err)
	}
	kv := core.New(dev, common.Range{Start: 0, End: 32 * 1024})

	fmt.Println("Writing: device-id=42")
	start := time.Now()
	if err := core.Insert(ctx, kv, "device-id", uint32(42)); err != nil {
		log.Fatalf("Insert failed: %v", err)
	}
	fmt.Printf("Insert done in %v\n", time.Since(start))

	id, ok, err := core.Get[uint32](ctx, kv, "device-id")
	if err != nil {
		log.Fatalf("Get failed: %v", err)
	}
	fmt.Printf("Got device-id=%d (found=%v)\n", id, ok)

	if err := core.Insert(ctx, kv, "device-id", uint32(43)); err != nil {
		log.Fatalf("Insert failed: %v", err)
	}
	id, _, _ = core.Get[uint32](ctx, kv, "device-id")
	fmt.Printf("Overwritten device-id=%d\n", id)

	if err := core.Remove(ctx, kv, "device-id"); err != nil {
		log.Fatalf("Remove failed: %v", err)
	}
	_, ok, _ = core.Get[uint32](ctx, kv, "device-id")
	fmt.Printf("After remove: found=%v\n", ok)

	long := strings.Repeat("x", 80)
	if err := core.Insert(ctx, kv, long, 1); err != nil {
		fmt.Printf("Oversize key rejected: %v\n", err)
	}

	st := dev.Stats().Snapshot()
	fmt.Printf("Flash: %d writes, %d bytes written, %d sector erases\n", st.WriteCount, st.BytesWritten, st.EraseCount)
}
