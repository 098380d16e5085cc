package orders

const (
	TopicOrderCreated       = "order.created"
	TopicOrderStatusChanged = "order.status.changed"
	TopicReservationExpired = "inventory.reservation.expired"
	TopicLowStock           = "inventory.stock.low"
	TopicPaymentEvents      = "payment.events"
)

// Partition key = order_id / product_id, supaya semua event 1 entitas maintain urutan.
func PartitionKey(id string) []byte { return []byte(id) }
