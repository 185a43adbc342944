// gen_ckpt writes a small sample checkpoint for trying out ckpt2npy.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/23skdu/ckpt2npy/internal/checkpoint"
	"github.com/23skdu/ckpt2npy/internal/checkpoint/checkpointtest"
	"github.com/23skdu/ckpt2npy/internal/sstable"
)

func main() {
	prefix := flag.String("prefix", "sample/model.ckpt-100", "checkpoint prefix to write")
	legacy := flag.Bool("legacy", false, "write a single-file V1 checkpoint at <prefix>.ckpt")
	shards := flag.Int("shards", 1, "number of data shards")
	snappy := flag.Bool("snappy", false, "snappy-compress table blocks")
	flag.Parse()

	bias := make([]float32, 16)
	for i := range bias {
		bias[i] = float32(i) / 10
	}
	tensors := []checkpointtest.Tensor{
		checkpointtest.Sequence("conv1/weights", 3, 3, 3, 16),
		checkpointtest.Float32("conv1/bias", []int64{16}, bias...),
		checkpointtest.Sequence("dense/kernel", 64, 10),
		checkpointtest.Int64("global_step", nil, 100),
		checkpointtest.Strings("vocab", []int64{3}, "<pad>", "hello", "world"),
	}

	opts := checkpointtest.Options{Shards: *shards}
	if *snappy {
		opts.Compression = sstable.SnappyCompression
	}

	if err := write(*prefix, *legacy, tensors, opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func write(prefix string, legacy bool, tensors []checkpointtest.Tensor, opts checkpointtest.Options) error {
	if err := os.MkdirAll(filepath.Dir(prefix), 0o755); err != nil {
		return err
	}
	if legacy {
		path := prefix + checkpoint.LegacyExt
		if err := checkpointtest.WriteLegacy(path, tensors, opts); err != nil {
			return err
		}
		fmt.Println("Wrote", path)
		return nil
	}
	if err := checkpointtest.WriteBundle(prefix, tensors, opts); err != nil {
		return err
	}
	if err := checkpointtest.WriteMeta(prefix); err != nil {
		return err
	}
	fmt.Println("Wrote", prefix+checkpoint.IndexExt)
	return nil
}
