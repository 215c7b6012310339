package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"heron/config"
	"heron/storage"
)

const blobIDSize = 16

func blobID(n uint64) storage.StoreKey {
	id := make([]byte, blobIDSize)
	binary.BigEndian.PutUint64(id[8:], n)
	return storage.NewBlobID(id)
}

func main() {
	logger := log.NewLogfmtLogger(os.Stdout)
	registerer := prometheus.NewRegistry()

	os.MkdirAll("data", 0777)

	store, err := storage.NewStore(logger, registerer, "data",
		config.DefaultStoreConfig(), storage.NewBlobIDFactory(blobIDSize))

	if err != nil {
		level.Error(logger).Log("err", err)
		return
	}

	done := make(chan struct{})

	go func() {
		n := uint64(0)
		for {
			select {
			case <-done:
				return
			default:
			}

			key := blobID(n)

			if err := store.Put(key, []byte(fmt.Sprintf("blob payload %d", n)), storage.TTLInfinite); err != nil {
				level.Error(logger).Log("msg", "put failed", "key", key, "err", err)
				return
			}

			if n%3 == 0 {
				if err := store.Delete(key); err != nil {
					level.Error(logger).Log("msg", "delete failed", "key", key, "err", err)
				}
			}

			n++
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	logger.Log("msg", "store started...")
	<-sigs

	close(done)

	info, err := store.FindEntriesSince(storage.NewStoreFindToken(), 1024)
	if err == nil {
		logger.Log("msg", "scanned entries since start", "entries", len(info.Entries),
			"bytesRead", info.Token.BytesRead())
	}

	if err := store.Close(); err != nil {
		level.Error(logger).Log("msg", "error closing store", "err", err)
	}

	logger.Log("msg", "exiting...")
}
