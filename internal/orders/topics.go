package orders

const (
	TopicOrderCreated    = "order.created"
	TopicOrderPaid       = "order.paid"
	TopicPaymentFailed   = "order.payment.failed"
	TopicOrderCancelled  = "order.cancelled"
	TopicGatewayCallback = "payment.gateway.callback"
)

// Partition key = order id, so all events for one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
