package backend_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/mirra/internal/backend"
	"procodus.dev/mirra/internal/ingest"
	"procodus.dev/mirra/pkg/mq/mock"
)

var _ = Describe("Consumer", func() {
	var (
		submitter *recordingSubmitter
		client    *mock.MockClient
	)

	BeforeEach(func() {
		submitter = &recordingSubmitter{}
		client = mock.NewMockClient()
	})

	newConsumer := func() *backend.Consumer {
		consumer, err := backend.NewConsumer(&backend.ConsumerConfig{
			Logger:    testLogger(),
			Submitter: submitter,
			Client:    client,
			QueueName: "mirra-ingest",
		})
		Expect(err).NotTo(HaveOccurred())
		return consumer
	}

	Describe("NewConsumer", func() {
		It("should return error when config is nil", func() {
			_, err := backend.NewConsumer(nil)
			Expect(err).To(MatchError(ContainSubstring("consumer config cannot be nil")))
		})

		It("should return error when logger is nil", func() {
			_, err := backend.NewConsumer(&backend.ConsumerConfig{Submitter: submitter, Client: client})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		})

		It("should return error when submitter is nil", func() {
			_, err := backend.NewConsumer(&backend.ConsumerConfig{Logger: testLogger(), Client: client})
			Expect(err).To(MatchError(ContainSubstring("submitter cannot be nil")))
		})

		It("should return error when client is nil", func() {
			_, err := backend.NewConsumer(&backend.ConsumerConfig{Logger: testLogger(), Submitter: submitter})
			Expect(err).To(MatchError(ContainSubstring("mq client cannot be nil")))
		})
	})

	Describe("HandleMessage", func() {
		It("should submit under the topic of the routing key and ack", func() {
			ack := &recordingAck{}
			newConsumer().HandleMessage(context.Background(), "mirra.AABBCCDDEEFF.112233445566", []byte{1, 2}, ack)

			Expect(submitter.Calls()).To(ConsistOf(submission{
				Topic:   "mirra/AABBCCDDEEFF/112233445566",
				Payload: []byte{1, 2},
			}))
			Expect(ack.acks.Load()).To(BeEquivalentTo(1))
			Expect(ack.nacks.Load()).To(BeZero())
		})

		It("should requeue when the ingestion queue is full", func() {
			submitter.Err = ingest.ErrQueueFull
			ack := &recordingAck{}
			newConsumer().HandleMessage(context.Background(), "mirra.a.b", nil, ack)

			Expect(ack.acks.Load()).To(BeZero())
			Expect(ack.nacks.Load()).To(BeEquivalentTo(1))
			Expect(ack.requeue.Load()).To(BeTrue())
		})
	})

	Describe("Start and Stop", func() {
		It("should consume deliveries until stopped", func() {
			deliveries := make(chan amqp.Delivery, 1)
			client.ConsumeChannel = deliveries
			consumer := newConsumer()

			Expect(consumer.Start(context.Background())).To(Succeed())

			ack := &recordingAck{}
			deliveries <- amqp.Delivery{
				Acknowledger: deliveryAck{ack},
				RoutingKey:   "mirra.AABBCCDDEEFF.112233445566",
				Body:         []byte{9},
			}

			Eventually(submitter.Calls).Should(HaveLen(1))
			Eventually(ack.acks.Load).Should(BeEquivalentTo(1))

			Expect(consumer.Stop()).To(Succeed())
			Expect(client.CloseCalls).To(Equal(1))
		})

		It("should retry Consume until the client is ready", func() {
			attempts := 0
			client.ConsumeFunc = func() (<-chan amqp.Delivery, error) {
				attempts++
				if attempts < 2 {
					return nil, errors.New("not connected to a server")
				}
				return make(chan amqp.Delivery), nil
			}
			consumer := newConsumer()

			Expect(consumer.Start(context.Background())).To(Succeed())
			Expect(attempts).To(Equal(2))
			Expect(consumer.Stop()).To(Succeed())
		})

		It("should give up when the context ends", func() {
			client.ConsumeError = errors.New("not connected to a server")
			client.ConsumeChannel = nil

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			Expect(newConsumer().Start(ctx)).To(MatchError(ContainSubstring("failed to start consuming")))
		})

		It("should close the client on Stop without Start", func() {
			Expect(newConsumer().Stop()).To(Succeed())
			Expect(client.CloseCalls).To(Equal(1))
		})
	})
})
