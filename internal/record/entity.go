package record

import "math"

// Field names of the items collection.
const (
	FieldName  = "name"
	FieldPrice = "price"
	FieldStock = "stock"
)

// Field names of the receipts collection.
const (
	FieldReceiptNumber = "receiptNumber"
	FieldCustomerName  = "customerName"
	FieldSubtotal      = "subtotal"
	FieldTax           = "tax"
	FieldTotal         = "total"
	FieldStatus        = "status"
	FieldIsPaid        = "isPaid"
	FieldAmountPaid    = "amountPaid"
	FieldLineItems     = "lineItems"
)

// Field names of a receipt line item.
const (
	FieldItemID    = "itemId"
	FieldQuantity  = "quantity"
	FieldUnitPrice = "unitPrice"
	FieldLineTotal = "lineTotal"
)

// Item is the typed view of an items record.
type Item struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Stock int64   `json:"stock"`
}

// ItemFrom reads the typed view of an items record. Missing fields are zero.
func ItemFrom(r *Record) Item {
	it := Item{ID: r.ID}
	it.Name, _ = String(r.Fields[FieldName])
	it.Price, _ = Number(r.Fields[FieldPrice])

	if s, ok := Number(r.Fields[FieldStock]); ok {
		it.Stock = int64(math.Round(s))
	}

	return it
}

// LineItem is one row of a receipt.
type LineItem struct {
	ItemID    string
	Name      string
	Quantity  float64
	UnitPrice float64
	LineTotal float64
}

// Receipt is the typed view of a receipts record.
type Receipt struct {
	ID            string
	ReceiptNumber string
	CustomerName  string
	Subtotal      float64
	Tax           float64
	Total         float64
	Status        string
	IsPaid        bool
	AmountPaid    float64
	LineItems     []LineItem
}

// ReceiptFrom reads the typed view of a receipts record.
func ReceiptFrom(r *Record) Receipt {
	rc := Receipt{ID: r.ID}
	rc.ReceiptNumber, _ = String(r.Fields[FieldReceiptNumber])
	rc.CustomerName, _ = String(r.Fields[FieldCustomerName])
	rc.Subtotal, _ = Number(r.Fields[FieldSubtotal])
	rc.Tax, _ = Number(r.Fields[FieldTax])
	rc.Total, _ = Number(r.Fields[FieldTotal])
	rc.Status, _ = String(r.Fields[FieldStatus])
	rc.IsPaid, _ = Bool(r.Fields[FieldIsPaid])
	rc.AmountPaid, _ = Number(r.Fields[FieldAmountPaid])

	if raw, ok := r.Fields[FieldLineItems].([]any); ok {
		for _, v := range raw {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}

			var li LineItem
			li.ItemID, _ = String(m[FieldItemID])
			li.Name, _ = String(m[FieldName])
			li.Quantity, _ = Number(m[FieldQuantity])
			li.UnitPrice, _ = Number(m[FieldUnitPrice])

			if lt, ok := Number(m[FieldLineTotal]); ok {
				li.LineTotal = lt
			} else {
				li.LineTotal = li.Quantity * li.UnitPrice
			}

			rc.LineItems = append(rc.LineItems, li)
		}
	}

	return rc
}

// HasPayment reports whether a receipt document indicates a completed
// payment: a true paid flag or a positive paid amount.
func HasPayment(d Doc) bool {
	if paid, ok := Bool(d[FieldIsPaid]); ok && paid {
		return true
	}

	amount, ok := Number(d[FieldAmountPaid])

	return ok && amount > 0
}
