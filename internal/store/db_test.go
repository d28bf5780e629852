package store_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/mirra/internal/store"
)

var _ = Describe("Database", func() {
	Describe("NewDB", func() {
		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				db, err := store.NewDB(nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
				Expect(db).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				db, err := store.NewDB(&store.DBConfig{Driver: store.DriverSQLite, Path: "file::memory:"})
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("logger"))
				Expect(db).To(BeNil())
			})

			It("should reject an unknown driver", func() {
				db, err := store.NewDB(&store.DBConfig{Logger: testLogger(), Driver: "oracle"})
				Expect(err).To(MatchError(ContainSubstring("unsupported database driver")))
				Expect(db).To(BeNil())
			})

			It("should require a sqlite path", func() {
				db, err := store.NewDB(&store.DBConfig{Logger: testLogger(), Driver: store.DriverSQLite})
				Expect(err).To(MatchError(ContainSubstring("path cannot be empty")))
				Expect(db).To(BeNil())
			})

			It("should fail with an unreachable postgres host", func() {
				db, err := store.NewDB(&store.DBConfig{
					Logger:   testLogger(),
					Driver:   store.DriverPostgres,
					Host:     "invalid-host-that-does-not-exist",
					Port:     5432,
					User:     "test",
					Password: "password",
					DBName:   "testdb",
					SSLMode:  "disable",
				})
				Expect(err).To(HaveOccurred())
				Expect(db).To(BeNil())
			})
		})

		It("should migrate every table", func() {
			db := openTestDB()
			for _, model := range []interface{}{
				&store.PhysicalModule{}, &store.Location{}, &store.Module{},
				&store.SensorClass{}, &store.Sensor{}, &store.Measurement{},
			} {
				Expect(db.Migrator().HasTable(model)).To(BeTrue())
			}
		})
	})

	Describe("CloseDB", func() {
		It("should handle nil database gracefully", func() {
			Expect(store.CloseDB(nil, testLogger())).To(Succeed())
		})
	})
})
