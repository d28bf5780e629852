package credentials_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/mirra/internal/credentials"
	"procodus.dev/mirra/pkg/macaddr"
)

var _ = Describe("Store", func() {
	var (
		path     string
		reloader *countingReloader
		creds    *credentials.Store

		gw1 = macaddr.MustParse("aa:bb:cc:dd:ee:01")
		gw2 = macaddr.MustParse("aa:bb:cc:dd:ee:02")
	)

	readFile := func() string {
		b, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		return string(b)
	}

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "psk", "gateways.psk")
		reloader = &countingReloader{}

		var err error
		creds, err = credentials.NewStore(&credentials.Config{
			Logger:   testLogger(),
			Reloader: reloader,
			Path:     path,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(creds.EnsureFile()).To(Succeed())
	})

	Describe("NewStore", func() {
		It("should return error when config is nil", func() {
			_, err := credentials.NewStore(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should return error when logger is nil", func() {
			_, err := credentials.NewStore(&credentials.Config{Path: path})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		})

		It("should return error when path is empty", func() {
			_, err := credentials.NewStore(&credentials.Config{Logger: testLogger()})
			Expect(err).To(MatchError(ContainSubstring("path cannot be empty")))
		})

		It("should default to a no-op reloader", func() {
			s, err := credentials.NewStore(&credentials.Config{Logger: testLogger(), Path: path})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Set(gw1, "00ff")).To(Succeed())
		})
	})

	It("should create an empty file", func() {
		Expect(readFile()).To(BeEmpty())
		Expect(creds.Path()).To(Equal(path))
	})

	It("should write bare upper-case identities", func() {
		Expect(creds.Set(gw1, "deadbeef")).To(Succeed())
		Expect(readFile()).To(Equal("AABBCCDDEE01:deadbeef\n"))
		Expect(reloader.Calls()).To(Equal(1))
	})

	It("should remove only the matching address", func() {
		Expect(creds.Set(gw1, "one")).To(Succeed())
		Expect(creds.Set(gw2, "two")).To(Succeed())

		Expect(creds.Remove(gw1)).To(Succeed())
		Expect(readFile()).To(Equal("AABBCCDDEE02:two\n"))
		Expect(reloader.Calls()).To(Equal(3))
	})

	It("should match identities case-insensitively on removal", func() {
		Expect(os.WriteFile(path, []byte("aabbccddee01:one\nAABBCCDDEE02:two\n"), 0o600)).To(Succeed())

		Expect(creds.Remove(gw1)).To(Succeed())
		entries, err := creds.Entries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(Equal([]credentials.Entry{{Identity: "AABBCCDDEE02", PSK: "two"}}))
	})

	It("should replace the credential on update with a single reload", func() {
		Expect(creds.Set(gw1, "old")).To(Succeed())
		Expect(creds.Set(gw2, "other")).To(Succeed())

		Expect(creds.Update(gw1, "new")).To(Succeed())
		Expect(reloader.Calls()).To(Equal(3))

		entries, err := creds.Entries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(ConsistOf(
			credentials.Entry{Identity: "AABBCCDDEE01", PSK: "new"},
			credentials.Entry{Identity: "AABBCCDDEE02", PSK: "other"},
		))
	})

	It("should reject keys that would corrupt the file", func() {
		Expect(creds.Set(gw1, "")).To(HaveOccurred())
		Expect(creds.Set(gw1, "a:b")).To(HaveOccurred())
		Expect(creds.Set(gw1, "a\nb")).To(HaveOccurred())
		Expect(readFile()).To(BeEmpty())
		Expect(reloader.Calls()).To(BeZero())
	})

	It("should surface reload failures", func() {
		reloader.Error = errors.New("broker gone")
		err := creds.Set(gw1, "psk")
		Expect(err).To(MatchError(credentials.ErrReloadFailed))
		Expect(err).To(MatchError(ContainSubstring("broker gone")))
		Expect(readFile()).To(Equal("AABBCCDDEE01:psk\n"))
	})

	It("should keep one line per address under concurrent updates", func() {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				addr := gw1
				if i%2 == 1 {
					addr = gw2
				}
				Expect(creds.Update(addr, "psk")).To(Succeed())
			}(i)
		}
		wg.Wait()

		entries, err := creds.Entries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(2))
	})

	It("should read a missing file as empty", func() {
		Expect(os.Remove(path)).To(Succeed())
		entries, err := creds.Entries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})
})
