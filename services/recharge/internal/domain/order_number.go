package domain

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// OrderNumberPrefix — префикс номеров заказов.
const OrderNumberPrefix = "ORD"

// OrderNumberGenerator выдаёт уникальные номера заказов.
// Номер узла должен различаться у инстансов сервиса.
type OrderNumberGenerator struct {
	node *snowflake.Node
}

// NewOrderNumberGenerator создаёт генератор для узла nodeID (0..1023).
func NewOrderNumberGenerator(nodeID int64) (*OrderNumberGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания snowflake узла %d: %w", nodeID, err)
	}
	return &OrderNumberGenerator{node: node}, nil
}

// NewOrderNumber возвращает следующий номер заказа.
func (g *OrderNumberGenerator) NewOrderNumber() string {
	return OrderNumberPrefix + g.node.Generate().String()
}
