package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Product is a catalog entry.
type Product struct {
	ID         string
	Name       string
	Price      decimal.Decimal
	Stock      int
	Images     []string
	Category   string
	Rating     float64
	NumReviews int
	SellerID   string
	Variants   []Variant
}

// Variant is a purchasable SKU of a product. Nil Price or Stock means the
// product's value applies.
type Variant struct {
	ID        string
	ProductID string
	Size      string
	Color     string
	Price     decimal.NullDecimal
	Stock     *int
}

// catalogFile is the YAML seed format.
type catalogFile struct {
	Products []productYAML `yaml:"products"`
}

type productYAML struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name"`
	Price      string        `yaml:"price"`
	Stock      int           `yaml:"stock"`
	Images     []string      `yaml:"images"`
	Category   string        `yaml:"category"`
	Rating     float64       `yaml:"rating"`
	NumReviews int           `yaml:"num_reviews"`
	SellerID   string        `yaml:"seller_id"`
	Variants   []variantYAML `yaml:"variants"`
}

type variantYAML struct {
	ID    string `yaml:"id"`
	Size  string `yaml:"size"`
	Color string `yaml:"color"`
	Price string `yaml:"price"`
	Stock *int   `yaml:"stock"`
}

// LoadCatalogFile reads a YAML catalog seed file.
func LoadCatalogFile(path string) ([]Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	var cf catalogFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	products := make([]Product, 0, len(cf.Products))
	seen := make(map[string]bool)
	for i, p := range cf.Products {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog %s: products[%d]: id is required", path, i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("catalog %s: duplicate product id %q", path, p.ID)
		}
		seen[p.ID] = true

		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: product %s: price: %w", path, p.ID, err)
		}
		prod := Product{
			ID:         p.ID,
			Name:       p.Name,
			Price:      price,
			Stock:      p.Stock,
			Images:     p.Images,
			Category:   p.Category,
			Rating:     p.Rating,
			NumReviews: p.NumReviews,
			SellerID:   p.SellerID,
		}
		for _, v := range p.Variants {
			variant := Variant{ID: v.ID, ProductID: p.ID, Size: v.Size, Color: v.Color, Stock: v.Stock}
			if v.Price != "" {
				d, err := decimal.NewFromString(v.Price)
				if err != nil {
					return nil, fmt.Errorf("catalog %s: variant %s: price: %w", path, v.ID, err)
				}
				variant.Price = decimal.NewNullDecimal(d)
			}
			prod.Variants = append(prod.Variants, variant)
		}
		products = append(products, prod)
	}
	return products, nil
}

// Catalog reads and seeds products in the backend database.
type Catalog struct {
	db *DB
}

// NewCatalog creates a catalog over db.
func NewCatalog(db *DB) *Catalog {
	return &Catalog{db: db}
}

// Seed inserts or replaces products and their variants in one transaction.
func (c *Catalog) Seed(ctx context.Context, products []Product) error {
	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	for _, p := range products {
		imgs := p.Images
		if imgs == nil {
			imgs = []string{}
		}
		images, err := json.Marshal(imgs)
		if err != nil {
			return fmt.Errorf("marshal images for %s: %w", p.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO products
				(id, name, price, stock, images, category, rating, num_reviews, seller_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Price.String(), p.Stock, string(images),
			p.Category, p.Rating, p.NumReviews, p.SellerID)
		if err != nil {
			return fmt.Errorf("insert product %s: %w", p.ID, err)
		}

		for _, v := range p.Variants {
			var price sql.NullString
			if v.Price.Valid {
				price = sql.NullString{String: v.Price.Decimal.String(), Valid: true}
			}
			var stock sql.NullInt64
			if v.Stock != nil {
				stock = sql.NullInt64{Int64: int64(*v.Stock), Valid: true}
			}
			_, err = tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO variants (id, product_id, size, color, price, stock)
				VALUES (?, ?, ?, ?, ?, ?)`,
				v.ID, p.ID, v.Size, v.Color, price, stock)
			if err != nil {
				return fmt.Errorf("insert variant %s: %w", v.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

// Product returns the product with its variants.
// Returns ErrProductNotFound when no such product exists.
func (c *Catalog) Product(ctx context.Context, id string) (Product, error) {
	var (
		p      Product
		price  string
		images string
	)
	err := c.db.db.QueryRowContext(ctx, `
		SELECT id, name, price, stock, images, category, rating, num_reviews, seller_id
		FROM products WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &price, &p.Stock, &images, &p.Category, &p.Rating, &p.NumReviews, &p.SellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	if err != nil {
		return Product{}, fmt.Errorf("query product %s: %w", id, err)
	}

	if p.Price, err = decimal.NewFromString(price); err != nil {
		return Product{}, fmt.Errorf("product %s: corrupt price %q: %w", id, price, err)
	}
	if err := json.Unmarshal([]byte(images), &p.Images); err != nil {
		return Product{}, fmt.Errorf("product %s: corrupt images: %w", id, err)
	}

	p.Variants, err = c.variants(ctx, id)
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func (c *Catalog) variants(ctx context.Context, productID string) ([]Variant, error) {
	rows, err := c.db.db.QueryContext(ctx, `
		SELECT id, size, color, price, stock
		FROM variants WHERE product_id = ?
		ORDER BY id ASC COLLATE BINARY`, productID)
	if err != nil {
		return nil, fmt.Errorf("query variants for %s: %w", productID, err)
	}
	defer rows.Close()

	var out []Variant
	for rows.Next() {
		var (
			v     = Variant{ProductID: productID}
			price sql.NullString
			stock sql.NullInt64
		)
		if err := rows.Scan(&v.ID, &v.Size, &v.Color, &price, &stock); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		if price.Valid {
			d, err := decimal.NewFromString(price.String)
			if err != nil {
				return nil, fmt.Errorf("variant %s: corrupt price %q: %w", v.ID, price.String, err)
			}
			v.Price = decimal.NewNullDecimal(d)
		}
		if stock.Valid {
			n := int(stock.Int64)
			v.Stock = &n
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Variant returns the variant with id if it belongs to p.
func (p Product) Variant(id string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}
