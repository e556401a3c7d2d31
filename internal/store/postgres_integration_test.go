// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

//go:build integration

package store_test

import (
	"context"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/sandhost/sandhost/internal/store"
)

var _ = Describe("Migrator", Ordered, func() {
	var migrator *store.Migrator

	BeforeAll(func() {
		var err error
		migrator, err = store.NewMigrator(dsn)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(migrator.Close()).To(Succeed()) })
	})

	It("walks the full migration cycle", func() {
		Expect(migrator.Down()).To(Succeed())
		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())
		Expect(dirty).To(BeFalse())

		Expect(migrator.Up()).To(Succeed())
		latest, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(latest).To(BeNumerically(">", 0))
		Expect(dirty).To(BeFalse())

		pending, err := migrator.PendingMigrations()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeEmpty())

		Expect(migrator.Steps(-1)).To(Succeed())
		version, _, err = migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(latest - 1))

		Expect(migrator.Steps(1)).To(Succeed())
		Expect(migrator.Down()).To(Succeed())
		version, _, err = migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())

		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Force(int(latest))).To(Succeed())
		_, dirty, err = migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(dirty).To(BeFalse())
	})
})

var _ = Describe("Postgres", func() {
	var kv *store.Postgres
	ctx := context.Background()

	BeforeEach(func() {
		var err error
		kv, err = store.OpenPostgres(ctx, dsn)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(kv.Close)
	})

	It("stores, lists, and deletes values per namespace", func() {
		ns := "it-namespace"

		Expect(kv.Set(ctx, ns, "user:1", []byte(`1`))).To(Succeed())
		Expect(kv.Set(ctx, ns, "user:2", []byte(`2`))).To(Succeed())
		Expect(kv.Set(ctx, ns, "other", []byte(`3`))).To(Succeed())
		Expect(kv.Set(ctx, ns+"-x", "user:1", []byte(`4`))).To(Succeed())

		Expect(kv.List(ctx, ns, "user:")).To(Equal([]string{"user:1", "user:2"}))

		Expect(kv.Set(ctx, ns, "user:1", []byte(`10`))).To(Succeed())
		Expect(kv.Get(ctx, ns, "user:1")).To(Equal([]byte(`10`)))
		Expect(kv.Get(ctx, ns+"-x", "user:1")).To(Equal([]byte(`4`)))

		Expect(kv.Delete(ctx, ns, "user:1")).To(Succeed())
		Expect(kv.Get(ctx, ns, "user:1")).To(BeNil())
	})

	It("treats underscores and percent signs in prefixes literally", func() {
		Expect(kv.Set(ctx, "literal", "a_b", []byte(`1`))).To(Succeed())
		Expect(kv.Set(ctx, "literal", "axb", []byte(`2`))).To(Succeed())
		Expect(kv.List(ctx, "literal", "a_")).To(Equal([]string{"a_b"}))
	})

	It("handles concurrent upserts of one key", func() {
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(kv.Set(ctx, "race", "k", []byte(fmt.Sprint(i)))).To(Succeed())
			}()
		}
		wg.Wait()
		Expect(kv.List(ctx, "race", "")).To(Equal([]string{"k"}))
	})
})
