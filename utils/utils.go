package utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"github.com/ztrue/tracerr"
	"golang.org/x/exp/constraints"
	"golang.org/x/text/unicode/norm"
	"strings"
	"sync"
)

func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	// Note that err == nil only if we read len(b) bytes.
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return b, nil
}

// GenerateRandomHex returns n random bytes, hex-encoded (2*n chars).
func GenerateRandomHex(n int) (string, error) {
	b, err := GenerateRandomBytes(n)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return hex.EncodeToString(b), nil
}

// Set implements three methods: Add, Remove & Has.
// It needs to be defined with a comparable generic type such as int or string.
// The len operator can be used on Set.
type Set[T comparable] map[T]struct{}

// Add adds the given element to the Set.
func (s Set[T]) Add(element T) {
	s[element] = struct{}{}
}

// Remove removes given element from Set. If element is not in Set, Remove is a no-op.
func (s Set[T]) Remove(element T) {
	delete(s, element)
}

// Has checks if element is in Set, and returns true or false.
func (s Set[T]) Has(element T) bool {
	_, ok := s[element]
	return ok
}

func SliceSameMembers[T comparable](s1 []T, s2 []T) bool {
	// if length is different, fail fast
	if len(s1) != len(s2) {
		return false
	}
	// make a copy of the slice, so we can modify it later without changing our input
	s2_ := make([]T, len(s2))
	copy(s2_, s2)

	for _, e1 := range s1 {
		found := -1
		for i2, e2 := range s2_ {
			if e2 == e1 {
				found = i2
				break
			}
		}
		if found == -1 {
			return false
		}
		// remove the match (order does not matter) so that it cannot match another item from s1
		s2_[found] = s2_[len(s2_)-1]
		s2_ = s2_[:len(s2_)-1]
	}
	return true
}

func SliceIncludes[T comparable](s []T, u T) bool {
	for _, e := range s {
		if e == u {
			return true
		}
	}
	return false
}

func NormalizeString(s string) []byte {
	return norm.NFKC.Bytes([]byte(s))
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// MutexGroup is a set of mutexes addressed by key, created on first use.
type MutexGroup struct {
	internalMap     map[string]*sync.Mutex
	internalMapLock sync.RWMutex
}

func (group *MutexGroup) getLock(key string, createIfNecessary bool) *sync.Mutex {
	group.internalMapLock.RLock()
	lock := group.internalMap[key]
	group.internalMapLock.RUnlock()
	if lock == nil {
		if !createIfNecessary {
			panic("Trying to unlock a lock which does not exist")
		}
		group.internalMapLock.Lock()
		// maybe another goroutine created it before we acquired the write lock?
		lock = group.internalMap[key]
		if lock == nil {
			lock = &sync.Mutex{}
			if group.internalMap == nil {
				group.internalMap = make(map[string]*sync.Mutex)
			}
			group.internalMap[key] = lock
		}
		group.internalMapLock.Unlock()
	}
	return lock
}

func (group *MutexGroup) Lock(key string) {
	group.getLock(key, true).Lock()
}

func (group *MutexGroup) Unlock(key string) {
	group.getLock(key, false).Unlock()
}

// Base64DecodeString decodes a standard Base64 string, padded or not. New-lines are ignored.
func Base64DecodeString(s string) ([]byte, error) {
	if strings.Contains(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
