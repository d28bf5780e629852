package credentials_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/mirra/internal/credentials"
)

var _ = Describe("Broker", func() {
	Describe("NewBroker", func() {
		It("should return error when config is nil", func() {
			_, err := credentials.NewBroker(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should return error when command is empty", func() {
			_, err := credentials.NewBroker(&credentials.BrokerConfig{Logger: testLogger()})
			Expect(err).To(MatchError(ContainSubstring("command cannot be empty")))
		})
	})

	It("should refuse to reload before it is started", func() {
		b, err := credentials.NewBroker(&credentials.BrokerConfig{Logger: testLogger(), Command: "sleep"})
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Reload()).To(MatchError(ContainSubstring("not running")))
		Expect(b.Stop()).To(Succeed())
	})

	It("should fail to start a missing executable", func() {
		b, err := credentials.NewBroker(&credentials.BrokerConfig{
			Logger:  testLogger(),
			Command: "/nonexistent/mosquitto",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Start(context.Background())).To(HaveOccurred())
	})

	It("should start and stop a child process", func() {
		b, err := credentials.NewBroker(&credentials.BrokerConfig{
			Logger:      testLogger(),
			Command:     "sleep",
			Args:        []string{"30"},
			StopTimeout: 2 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(b.Start(context.Background())).To(Succeed())
		Expect(b.Start(context.Background())).To(MatchError(ContainSubstring("already started")))

		done := make(chan error, 1)
		go func() { done <- b.Stop() }()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})
})
