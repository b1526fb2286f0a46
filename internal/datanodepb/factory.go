package datanodepb

import (
	"context"
	"fmt"

	"clusternode/internal/blobsession"
	"clusternode/internal/chunkid"
	"clusternode/internal/chunkstore"
	"clusternode/internal/ioqueue"
	"clusternode/internal/location"
	"clusternode/internal/sessionmgr"
	"clusternode/internal/throttle"
)

// BlobFactoryConfig supplies the shared, node-wide resources every blob
// write session on this data node draws from.
type BlobFactoryConfig struct {
	Registry *chunkstore.Registry
	// Writers holds the per-location writer invoker, shared by every
	// session on that location — one os-thread-equivalent serializing
	// disk writes per mount, the discipline blobsession.Options.Writer
	// documents.
	Writers map[*location.Location]*ioqueue.Queue

	Memory             *blobsession.MemoryQuota
	NodeThrottler      *throttle.Throttler
	NodeOutThrottler   *throttle.Throttler
	LocationThrottlers map[*location.Location]*throttle.Throttler

	MaxWindowSize int
	BytesPerWrite int64

	Forwarder blobsession.Forwarder
}

// NewBlobFactory builds the sessionmgr.Factory for chunkid.Blob sessions.
// The returned session is already Start()-ed: sessionmgr.Factory's
// signature has no context to thread through, so blob sessions use
// context.Background() for Start, which blocks until the file open on the
// writer invoker has completed.
func NewBlobFactory(cfg BlobFactoryConfig) sessionmgr.Factory {
	return func(id chunkid.ID, loc *location.Location) (sessionmgr.Session, error) {
		writer, ok := cfg.Writers[loc]
		if !ok {
			return nil, fmt.Errorf("datanodepb: no writer invoker configured for location %q", loc.Dir())
		}

		sess := blobsession.New(id, loc, blobsession.Options{
			MaxWindowSize:     cfg.MaxWindowSize,
			BytesPerWrite:     cfg.BytesPerWrite,
			NodeThrottler:     cfg.NodeThrottler,
			LocationThrottler: cfg.LocationThrottlers[loc],
			NodeOutThrottler:  cfg.NodeOutThrottler,
			Memory:            cfg.Memory,
			Registry:          cfg.Registry,
			Writer:            writer,
			Forwarder:         cfg.Forwarder,
		})
		if err := sess.Start(context.Background()); err != nil {
			return nil, err
		}
		return sess, nil
	}
}
