package caching

import (
	"github.com/lumen-im/lumen/devicelist/api"
)

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	// DeviceLists is the read-through cache of the latest verified device
	// list snapshot per user ID. The authoritative copy always lives in
	// the identity service; entries here are invalidated on every local
	// mutation.
	DeviceLists Cache[string, api.SignedDeviceList]
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
}

type keyable interface {
	comparable
}

type costable interface {
	CacheCost() int64
}

type CacheSize int64

const (
	_            = iota
	KB CacheSize = 1 << (10 * iota)
	MB
	GB
)
