/*
Copyright 2025 The Taskline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/cache"
)

var _ = Describe("Cache", func() {
	var (
		mr  *miniredis.Miniredis
		c   *cache.Cache
		ctx context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		c = cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(c.Close()).To(Succeed())
		mr.Close()
	})

	It("round-trips a value", func() {
		c.Set(ctx, "k", []byte("v"), time.Minute)
		got, err := c.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("v")))
	})

	It("misses on absent keys", func() {
		_, err := c.Get(ctx, "absent")
		Expect(err).To(MatchError(cache.ErrMiss))
	})

	It("misses after the TTL elapses", func() {
		c.Set(ctx, "k", []byte("v"), time.Second)
		mr.FastForward(2 * time.Second)
		_, err := c.Get(ctx, "k")
		Expect(err).To(MatchError(cache.ErrMiss))
	})

	It("deletes keys", func() {
		c.Set(ctx, "k", []byte("v"), time.Minute)
		c.Delete(ctx, "k")
		_, err := c.Get(ctx, "k")
		Expect(err).To(MatchError(cache.ErrMiss))
	})

	It("degrades to misses when nil", func() {
		var nilCache *cache.Cache
		_, err := nilCache.Get(ctx, "k")
		Expect(err).To(MatchError(cache.ErrMiss))
		nilCache.Set(ctx, "k", []byte("v"), time.Minute) // must not panic
		nilCache.Delete(ctx, "k")
		Expect(nilCache.Close()).To(Succeed())
	})

	It("returns (nil, nil) from New for an empty address", func() {
		got, err := cache.New(ctx, "", "", 0, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeNil())
	})
})
