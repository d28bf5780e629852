package backend

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/mirra/internal/ingest"
	"procodus.dev/mirra/internal/wire"
	"procodus.dev/mirra/pkg/macaddr"
	"procodus.dev/mirra/pkg/mq"
	"procodus.dev/mirra/pkg/mqtt"
	"procodus.dev/mirra/pkg/telemetry"
)

func frame(source macaddr.Address, ts uint32, value float32) []byte {
	return wire.Encode(wire.Message{
		Source:    source,
		Timestamp: ts,
		Readings:  []wire.Reading{{SensorID: 12, Value: value}},
	})
}

func storedFor(ctx context.Context, node macaddr.Address) func() []map[string]any {
	return func() []map[string]any {
		stream, err := queryClient.ExportMeasurements(ctx)
		if err != nil {
			return nil
		}
		list, err := telemetry.ReadAll(stream)
		if err != nil {
			return nil
		}
		var rows []map[string]any
		for _, v := range list {
			row := v.AsMap()
			if row["node_mac"] == node.String() {
				rows = append(rows, row)
			}
		}
		return rows
	}
}

var _ = Describe("Telemetry pipeline", Ordered, func() {
	var ctx context.Context

	gateway := macaddr.MustParse("02:00:00:00:00:01")
	node := macaddr.MustParse("02:00:00:00:00:02")
	amqpNode := macaddr.MustParse("02:00:00:00:00:03")

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should provision a gateway and write its key to the credential file", func() {
		code, err := apiClient.AddGateway(ctx, gateway)
		Expect(err).NotTo(HaveOccurred())

		psk, err := apiClient.Link(ctx, gateway, code)
		Expect(err).NotTo(HaveOccurred())
		Expect(psk).NotTo(BeEmpty())

		content, err := os.ReadFile(credentialsPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(ContainSubstring(gateway.Hex() + ":" + psk))

		module, err := queryClient.GetCurrentModule(ctx, gateway.String())
		Expect(err).NotTo(HaveOccurred())
		Expect(module.AsMap()).To(HaveKeyWithValue("kind", "gateway"))
	})

	It("should store a frame published over MQTT", func() {
		client, err := mqtt.New(&mqtt.Config{
			Logger:    testLogger,
			BrokerURL: mosquittoURL,
			ClientID:  "mirra_gateway_e2e",
		})
		Expect(err).NotTo(HaveOccurred())

		connectCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
		Expect(client.Connect(connectCtx)).To(Succeed())
		defer func() { _ = client.Close() }()

		topic := ingest.Topic("mirra", gateway, node)
		Expect(client.Publish(ctx, topic, 1, false, frame(node, 1700000000, 21.5))).To(Succeed())

		Eventually(storedFor(ctx, node), 15*time.Second, 200*time.Millisecond).Should(ConsistOf(
			And(
				HaveKeyWithValue("gateway_mac", gateway.String()),
				HaveKeyWithValue("value", 21.5),
			),
		))

		module, err := queryClient.GetCurrentModule(ctx, node.String())
		Expect(err).NotTo(HaveOccurred())
		Expect(module.AsMap()).To(HaveKeyWithValue("kind", "node"))
	})

	It("should keep the first value when a frame is replayed", func() {
		client, err := mqtt.New(&mqtt.Config{
			Logger:    testLogger,
			BrokerURL: mosquittoURL,
			ClientID:  "mirra_gateway_e2e_replay",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Connect(ctx)).To(Succeed())
		defer func() { _ = client.Close() }()

		topic := ingest.Topic("mirra", gateway, node)
		Expect(client.Publish(ctx, topic, 1, false, frame(node, 1700000000, 99))).To(Succeed())

		Consistently(storedFor(ctx, node), 2*time.Second, 200*time.Millisecond).Should(ConsistOf(
			HaveKeyWithValue("value", 21.5),
		))
	})

	It("should store a frame delivered through RabbitMQ", func() {
		publisher, err := mq.New(&mq.Config{
			Logger:   testLogger,
			URL:      rabbit.AMQPURL,
			Exchange: "amq.topic",
		})
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = publisher.Close() }()

		key := mq.TopicToRoutingKey(ingest.Topic("mirra", gateway, amqpNode))
		Eventually(func() error {
			return publisher.Push(ctx, key, frame(amqpNode, 1700000060, 18.25))
		}, 15*time.Second, 200*time.Millisecond).Should(Succeed())

		Eventually(storedFor(ctx, amqpNode), 15*time.Second, 200*time.Millisecond).Should(ConsistOf(
			HaveKeyWithValue("value", 18.25),
		))
	})

	It("should remove the gateway with its nodes", func() {
		Expect(apiClient.RemoveGateway(ctx, gateway)).To(Succeed())

		_, err := queryClient.GetCurrentModule(ctx, node.String())
		Expect(status.Code(err)).To(Equal(codes.NotFound))

		content, err := os.ReadFile(credentialsPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).NotTo(ContainSubstring(gateway.Hex()))
	})
})
