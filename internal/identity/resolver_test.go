package identity_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"procodus.dev/mirra/internal/credentials"
	"procodus.dev/mirra/internal/identity"
	"procodus.dev/mirra/internal/store"
	"procodus.dev/mirra/pkg/macaddr"
)

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		db       *gorm.DB
		creds    *fakeCredentials
		resolver *identity.Resolver

		gwAddr   = macaddr.MustParse("AA:AA:AA:AA:AA:01")
		gw2Addr  = macaddr.MustParse("AA:AA:AA:AA:AA:02")
		nodeAddr = macaddr.MustParse("BB:BB:BB:BB:BB:01")
	)

	countModules := func() int64 {
		var n int64
		Expect(db.Model(&store.Module{}).Count(&n).Error).To(Succeed())
		return n
	}

	BeforeEach(func() {
		ctx = context.Background()
		db = openTestDB()
		creds = &fakeCredentials{}

		var err error
		resolver, err = identity.NewResolver(&identity.Config{
			Logger:      testLogger(),
			DB:          db,
			Credentials: creds,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewResolver", func() {
		It("should return error when config is nil", func() {
			_, err := identity.NewResolver(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should return error when logger is nil", func() {
			_, err := identity.NewResolver(&identity.Config{DB: db, Credentials: creds})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		})

		It("should return error when database is nil", func() {
			_, err := identity.NewResolver(&identity.Config{Logger: testLogger(), Credentials: creds})
			Expect(err).To(MatchError(ContainSubstring("database cannot be nil")))
		})

		It("should return error when credential store is nil", func() {
			_, err := identity.NewResolver(&identity.Config{Logger: testLogger(), DB: db})
			Expect(err).To(MatchError(ContainSubstring("credential store cannot be nil")))
		})
	})

	Describe("lookups", func() {
		It("should report unseen addresses as absent", func() {
			m, err := resolver.CurrentModule(ctx, nodeAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(m).To(BeNil())
		})

		It("should filter the current module by kind", func() {
			_, err := resolver.AddGateway(ctx, gwAddr, "psk")
			Expect(err).NotTo(HaveOccurred())

			gw, err := resolver.CurrentGateway(ctx, gwAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(gw).NotTo(BeNil())

			node, err := resolver.CurrentNode(ctx, gwAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(node).To(BeNil())
		})
	})

	Describe("ResolveNode", func() {
		It("should drop nodes of unknown gateways without creating rows", func() {
			_, err := resolver.ResolveNode(ctx, nodeAddr, gwAddr)
			Expect(err).To(MatchError(identity.ErrUnknownGateway))
			Expect(countModules()).To(BeZero())
		})

		It("should create a node under the current gateway once", func() {
			gw, err := resolver.AddGateway(ctx, gwAddr, "psk")
			Expect(err).NotTo(HaveOccurred())

			node, err := resolver.ResolveNode(ctx, nodeAddr, gwAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(node.Kind()).To(Equal(store.KindNode))
			Expect(*node.GatewayID).To(Equal(gw.ID))
			Expect(node.PhysicalModule.MAC).To(Equal(nodeAddr.String()))

			again, err := resolver.ResolveNode(ctx, nodeAddr, gwAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.ID).To(Equal(node.ID))
			Expect(countModules()).To(Equal(int64(2)))
		})

		It("should keep an existing node attached to its original gateway", func() {
			gw1, err := resolver.AddGateway(ctx, gwAddr, "psk1")
			Expect(err).NotTo(HaveOccurred())
			_, err = resolver.AddGateway(ctx, gw2Addr, "psk2")
			Expect(err).NotTo(HaveOccurred())

			node, err := resolver.ResolveNode(ctx, nodeAddr, gwAddr)
			Expect(err).NotTo(HaveOccurred())

			moved, err := resolver.ResolveNode(ctx, nodeAddr, gw2Addr)
			Expect(err).NotTo(HaveOccurred())
			Expect(moved.ID).To(Equal(node.ID))
			Expect(*moved.GatewayID).To(Equal(gw1.ID))
		})

		It("should demote a gateway that reports as a node", func() {
			_, err := resolver.AddGateway(ctx, gwAddr, "psk1")
			Expect(err).NotTo(HaveOccurred())
			_, err = resolver.AddGateway(ctx, gw2Addr, "psk2")
			Expect(err).NotTo(HaveOccurred())

			node, err := resolver.ResolveNode(ctx, gw2Addr, gwAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(node.Kind()).To(Equal(store.KindNode))
			Expect(creds.RemoveCalls).To(ConsistOf(gw2Addr.String()))

			gw, err := resolver.CurrentGateway(ctx, gw2Addr)
			Expect(err).NotTo(HaveOccurred())
			Expect(gw).To(BeNil())
		})

		It("should keep the demoted node when its credential cannot be revoked", func() {
			_, err := resolver.AddGateway(ctx, gwAddr, "psk1")
			Expect(err).NotTo(HaveOccurred())
			_, err = resolver.AddGateway(ctx, gw2Addr, "psk2")
			Expect(err).NotTo(HaveOccurred())
			creds.RemoveError = errors.New("disk full")

			node, err := resolver.ResolveNode(ctx, gw2Addr, gwAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(node.Kind()).To(Equal(store.KindNode))

			current, err := resolver.CurrentNode(ctx, gw2Addr)
			Expect(err).NotTo(HaveOccurred())
			Expect(current.ID).To(Equal(node.ID))
		})

		It("should create exactly one node under concurrent first sightings", func() {
			_, err := resolver.AddGateway(ctx, gwAddr, "psk")
			Expect(err).NotTo(HaveOccurred())

			const workers = 16
			ids := make([]uint, workers)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					node, err := resolver.ResolveNode(ctx, nodeAddr, gwAddr)
					Expect(err).NotTo(HaveOccurred())
					ids[i] = node.ID
				}(i)
			}
			wg.Wait()

			for _, id := range ids {
				Expect(id).To(Equal(ids[0]))
			}
			Expect(countModules()).To(Equal(int64(2)))
		})
	})

	Describe("ResolveGateway", func() {
		It("should create a gateway for an unseen address and reuse it", func() {
			gw, err := resolver.ResolveGateway(ctx, gwAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(gw.Kind()).To(Equal(store.KindGateway))

			again, err := resolver.ResolveGateway(ctx, gwAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.ID).To(Equal(gw.ID))
		})
	})

	Describe("AddGateway", func() {
		It("should create a new row on every provisioning", func() {
			first, err := resolver.AddGateway(ctx, gwAddr, "psk1")
			Expect(err).NotTo(HaveOccurred())
			second, err := resolver.AddGateway(ctx, gwAddr, "psk2")
			Expect(err).NotTo(HaveOccurred())

			Expect(second.ID).To(BeNumerically(">", first.ID))
			current, err := resolver.CurrentGateway(ctx, gwAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(current.ID).To(Equal(second.ID))
			Expect(creds.UpdateCalls).To(Equal([]string{
				gwAddr.String() + ":psk1",
				gwAddr.String() + ":psk2",
			}))
		})

		It("should not persist the gateway when the credential cannot be stored", func() {
			creds.UpdateError = errors.New("disk full")

			_, err := resolver.AddGateway(ctx, gwAddr, "psk")
			Expect(err).To(MatchError(ContainSubstring("disk full")))
			Expect(countModules()).To(BeZero())
		})

		It("should commit the gateway before writing its credential", func() {
			var seen *store.Module
			creds.UpdateFunc = func(addr macaddr.Address, _ string) error {
				lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				var err error
				seen, err = resolver.CurrentGateway(lookupCtx, addr)
				return err
			}

			gw, err := resolver.AddGateway(ctx, gwAddr, "psk")
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).NotTo(BeNil())
			Expect(seen.ID).To(Equal(gw.ID))
		})

		Context("with a broker that fails to reload", func() {
			var (
				path  string
				file  *credentials.Store
			)

			readFile := func() string {
				data, err := os.ReadFile(path)
				Expect(err).NotTo(HaveOccurred())
				return string(data)
			}

			BeforeEach(func() {
				path = filepath.Join(GinkgoT().TempDir(), "psk.txt")
				var err error
				file, err = credentials.NewStore(&credentials.Config{
					Logger:   testLogger(),
					Reloader: failingReloader{},
					Path:     path,
				})
				Expect(err).NotTo(HaveOccurred())

				resolver, err = identity.NewResolver(&identity.Config{
					Logger:      testLogger(),
					DB:          db,
					Credentials: file,
				})
				Expect(err).NotTo(HaveOccurred())
			})

			It("should keep the gateway whose key is on file", func() {
				gw, err := resolver.AddGateway(ctx, gwAddr, "newpsk")
				Expect(err).NotTo(HaveOccurred())

				current, err := resolver.CurrentGateway(ctx, gwAddr)
				Expect(err).NotTo(HaveOccurred())
				Expect(current.ID).To(Equal(gw.ID))
				Expect(readFile()).To(Equal("AAAAAAAAAA01:newpsk\n"))
			})

			It("should replace the key of a re-provisioned gateway", func() {
				_, err := resolver.AddGateway(ctx, gwAddr, "oldpsk")
				Expect(err).NotTo(HaveOccurred())
				second, err := resolver.AddGateway(ctx, gwAddr, "newpsk")
				Expect(err).NotTo(HaveOccurred())

				current, err := resolver.CurrentGateway(ctx, gwAddr)
				Expect(err).NotTo(HaveOccurred())
				Expect(current.ID).To(Equal(second.ID))
				Expect(readFile()).To(Equal("AAAAAAAAAA01:newpsk\n"))
			})

			It("should remove the gateway and its key", func() {
				_, err := resolver.AddGateway(ctx, gwAddr, "psk")
				Expect(err).NotTo(HaveOccurred())

				Expect(resolver.RemoveGateway(ctx, gwAddr)).To(Succeed())
				Expect(countModules()).To(BeZero())
				Expect(readFile()).To(BeEmpty())
			})
		})
	})

	Describe("RemoveGateway", func() {
		It("should delete the gateway even when its credential cannot be revoked", func() {
			_, err := resolver.AddGateway(ctx, gwAddr, "psk")
			Expect(err).NotTo(HaveOccurred())
			creds.RemoveError = errors.New("disk full")

			err = resolver.RemoveGateway(ctx, gwAddr)
			Expect(err).To(MatchError(ContainSubstring("disk full")))
			Expect(countModules()).To(BeZero())
		})

		It("should report unknown gateways", func() {
			err := resolver.RemoveGateway(ctx, gwAddr)
			Expect(err).To(MatchError(identity.ErrNotFound))
			Expect(creds.RemoveCalls).To(BeEmpty())
		})

		It("should revoke the credential and delete the gateway with its nodes", func() {
			_, err := resolver.AddGateway(ctx, gwAddr, "psk")
			Expect(err).NotTo(HaveOccurred())
			_, err = resolver.ResolveNode(ctx, nodeAddr, gwAddr)
			Expect(err).NotTo(HaveOccurred())

			Expect(resolver.RemoveGateway(ctx, gwAddr)).To(Succeed())
			Expect(creds.RemoveCalls).To(ConsistOf(gwAddr.String()))
			Expect(countModules()).To(BeZero())

			_, err = resolver.ResolveNode(ctx, nodeAddr, gwAddr)
			Expect(err).To(MatchError(identity.ErrUnknownGateway))
		})
	})
})
