package producer_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/mirra/internal/producer"
	"procodus.dev/mirra/internal/wire"
	"procodus.dev/mirra/pkg/macaddr"
	mqmock "procodus.dev/mirra/pkg/mq/mock"
	mqttmock "procodus.dev/mirra/pkg/mqtt/mock"
)

var _ = Describe("Producer", func() {
	var (
		logger  *slog.Logger
		client  *mqttmock.MockClient
		gateway macaddr.Address
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		client = mqttmock.NewMockClient()
		gateway = macaddr.MustParse("AA:BB:CC:DD:EE:01")
	})

	newProducer := func(nodes int) *producer.Producer {
		p, err := producer.NewProducer(&producer.Config{
			Logger:    logger,
			Publisher: producer.MQTTPublisher{Client: client},
			Gateway:   gateway,
			Nodes:     nodes,
		})
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	Describe("NewProducer", func() {
		It("should reject a nil config", func() {
			_, err := producer.NewProducer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should reject a missing logger", func() {
			_, err := producer.NewProducer(&producer.Config{Publisher: producer.MQTTPublisher{Client: client}})
			Expect(err).To(MatchError(ContainSubstring("logger")))
		})

		It("should reject a missing publisher", func() {
			_, err := producer.NewProducer(&producer.Config{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("publisher")))
		})

		It("should attach the requested nodes to the gateway", func() {
			p := newProducer(3)

			Expect(p.Gateway()).To(Equal(gateway))
			Expect(p.Nodes()).To(HaveLen(3))
			for _, n := range p.Nodes() {
				Expect(n.Gateway).To(Equal(gateway))
				Expect(n.Address).NotTo(Equal(macaddr.Address{}))
			}
		})

		It("should pick a random gateway and node count when unset", func() {
			p, err := producer.NewProducer(&producer.Config{
				Logger:    logger,
				Publisher: producer.MQTTPublisher{Client: client},
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(p.Gateway()).NotTo(Equal(macaddr.Address{}))
			Expect(len(p.Nodes())).To(BeNumerically(">=", 1))
			Expect(len(p.Nodes())).To(BeNumerically("<=", 5))
		})
	})

	Describe("Publish", func() {
		It("should publish a decodable frame on the node topic", func() {
			p := newProducer(1)
			node := p.Nodes()[0]
			at := time.Unix(1700000000, 0)

			Expect(p.Publish(context.Background(), node, at)).To(Succeed())

			calls := client.Published()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Topic).To(Equal("mirra/" + gateway.String() + "/" + node.Address.String()))
			Expect(calls[0].QoS).To(Equal(byte(1)))

			msg, err := wire.Decode(calls[0].Payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Source).To(Equal(node.Address))
			Expect(msg.Timestamp).To(Equal(uint32(1700000000)))
			Expect(len(msg.Readings)).To(BeNumerically(">=", 4))
		})

		It("should honor a custom prefix", func() {
			p, err := producer.NewProducer(&producer.Config{
				Logger:    logger,
				Publisher: producer.MQTTPublisher{Client: client},
				Gateway:   gateway,
				Prefix:    "lab",
				Nodes:     1,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(p.RandomDataPoint(context.Background())).To(Succeed())
			Expect(client.Published()[0].Topic).To(HavePrefix("lab/" + gateway.String() + "/"))
		})

		It("should wrap publisher failures with the topic", func() {
			client.PublishError = errors.New("broker gone")
			p := newProducer(1)

			err := p.Publish(context.Background(), p.Nodes()[0], time.Now())
			Expect(err).To(MatchError(ContainSubstring("broker gone")))
			Expect(err).To(MatchError(ContainSubstring("failed to publish to mirra/")))
		})
	})

	Describe("AMQPPublisher", func() {
		It("should push with the routing key derived from the topic", func() {
			amqp := mqmock.NewMockClient()
			p, err := producer.NewProducer(&producer.Config{
				Logger:    logger,
				Publisher: producer.AMQPPublisher{Client: amqp},
				Gateway:   gateway,
				Transport: producer.TransportAMQP,
				Nodes:     1,
			})
			Expect(err).NotTo(HaveOccurred())
			node := p.Nodes()[0]

			Expect(p.Publish(context.Background(), node, time.Now())).To(Succeed())

			pushed := amqp.Pushed()
			Expect(pushed).To(HaveLen(1))
			Expect(pushed[0].RoutingKey).To(Equal(strings.Join([]string{"mirra", gateway.String(), node.Address.String()}, ".")))
		})
	})

	Describe("Run", func() {
		It("should publish periodically until the context ends", func() {
			p := newProducer(2)
			ctx, cancel := context.WithCancel(context.Background())

			done := make(chan struct{})
			go func() {
				defer close(done)
				p.Run(ctx, 20*time.Millisecond)
			}()

			Eventually(func() int { return len(client.Published()) }, time.Second).Should(BeNumerically(">=", 2))
			cancel()
			Eventually(done, time.Second).Should(BeClosed())
		})
	})
})
