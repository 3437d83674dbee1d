package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements are applied in order by Migrate. The driver runs without
// multiStatements, so each statement is executed on its own.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		address TEXT NULL,
		api_key VARCHAR(64) NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_clients_api_key (api_key)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS catalog_items (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		sku VARCHAR(100) NOT NULL,
		name VARCHAR(255) NOT NULL,
		price DECIMAL(10,2) NOT NULL,
		quantity INT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_catalog_items_sku (sku),
		CONSTRAINT chk_catalog_items_quantity CHECK (quantity >= 0)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS orders (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		client_id BIGINT NOT NULL,
		status VARCHAR(50) NOT NULL DEFAULT 'created',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT fk_orders_client FOREIGN KEY (client_id) REFERENCES clients (id),
		CONSTRAINT chk_orders_status CHECK (status IN ('created', 'paid', 'shipped', 'completed', 'cancelled'))
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS order_items (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		order_id BIGINT NOT NULL,
		catalog_item_id BIGINT NOT NULL,
		quantity INT NOT NULL,
		price_at_order DECIMAL(10,2) NOT NULL,
		UNIQUE KEY uq_order_items_order_catalog (order_id, catalog_item_id),
		CONSTRAINT fk_order_items_order FOREIGN KEY (order_id) REFERENCES orders (id) ON DELETE CASCADE,
		CONSTRAINT fk_order_items_catalog FOREIGN KEY (catalog_item_id) REFERENCES catalog_items (id),
		CONSTRAINT chk_order_item_quantity_positive CHECK (quantity > 0)
	) ENGINE=InnoDB`,
}

// Migrate creates the tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
