package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG backs the ledger and catalog with the products table. The conditional
// UPDATE is the whole concurrency story: the row is only decremented when it
// still holds enough stock, so a lost race shows up as zero rows affected
// rather than a negative counter.
type PG struct{ DB *pgxpool.Pool }

func (p *PG) GetProduct(ctx context.Context, id string) (*Product, error) {
	var pr Product
	err := p.DB.QueryRow(ctx, `SELECT id, sku, name, stock, price_cents, created_at, updated_at
                               FROM products WHERE id=$1`, id).
		Scan(&pr.ID, &pr.SKU, &pr.Name, &pr.Stock, &pr.PriceCents, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p *PG) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := p.DB.Query(ctx, `SELECT id, sku, name, stock, price_cents, created_at, updated_at
                                  FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var pr Product
		if err := rows.Scan(&pr.ID, &pr.SKU, &pr.Name, &pr.Stock, &pr.PriceCents, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PG) Reserve(ctx context.Context, productID string, qty int) error {
	return ReserveTx(ctx, p.DB, productID, qty)
}

func (p *PG) Release(ctx context.Context, productID string, qty int) error {
	return ReleaseTx(ctx, p.DB, productID, qty)
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx, so the reservation SQL
// can run standalone or inside the order store's create transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ReserveTx performs the conditional decrement on q (pool or open tx).
// Zero rows affected means the product is missing or short on stock.
func ReserveTx(ctx context.Context, q Querier, productID string, qty int) error {
	ct, err := q.Exec(ctx, `UPDATE products SET stock = stock - $2, updated_at = now()
                            WHERE id = $1 AND stock >= $2`, productID, qty)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	if ct.RowsAffected() != 1 {
		return ErrInsufficientStock
	}
	return nil
}

// ReleaseTx restores a reserved quantity.
func ReleaseTx(ctx context.Context, q Querier, productID string, qty int) error {
	ct, err := q.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now()
                            WHERE id = $1`, productID, qty)
	if err != nil {
		return fmt.Errorf("release %s: %w", productID, err)
	}
	if ct.RowsAffected() != 1 {
		return ErrProductNotFound
	}
	return nil
}
