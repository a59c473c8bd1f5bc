package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/username/ionbridge/src/logger"
	"github.com/username/ionbridge/src/models"
	"github.com/username/ionbridge/src/services"
	"github.com/username/ionbridge/src/store"
	"github.com/username/ionbridge/src/utils"
)

const maxDocumentSizeBytes = 1 << 20 // 1MB, far above any BOD the simulator sends

type OrderHandler struct {
	orderService services.OrderService
}

func NewOrderHandler(orderService services.OrderService) *OrderHandler {
	return &OrderHandler{orderService: orderService}
}

// HandleCreateOrder ingests an inbound sales-order document (BOD XML or
// JSON) and runs it through the pipeline. 400 for malformed/invalid
// documents, 409 for duplicates, 201 when the pipeline completed, 202 when
// the order was accepted but is not yet completed.
func (h *OrderHandler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSizeBytes))
	if err != nil {
		utils.SendJSONError(w, "error reading request body", http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		utils.SendJSONError(w, "empty request body", http.StatusBadRequest)
		return
	}

	var doc *models.OrderDocument
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "xml"):
		doc, err = models.ParseBODXML(raw)
	case strings.Contains(contentType, "json"), contentType == "":
		doc, err = models.ParseOrderJSON(raw)
	default:
		utils.SendJSONError(w, "unsupported content type: "+contentType, http.StatusUnsupportedMediaType)
		return
	}
	if err != nil {
		h.orderService.RejectDocument(r.Context(), raw, err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if doc.IdempotencyKey == "" {
		doc.IdempotencyKey = r.Header.Get("X-Idempotency-Key")
	}

	result, err := h.orderService.IngestOrder(r.Context(), doc, raw)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		utils.SendJSONError(w, "error ingesting order: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if result.Duplicate {
		utils.SendJSON(w, result.Order, http.StatusConflict)
		return
	}

	order, processErr := h.orderService.ProcessOrder(r.Context(), result.Order.OrderID)
	if processErr != nil {
		if order == nil {
			utils.SendJSONError(w, "error processing order: "+processErr.Error(), http.StatusInternalServerError)
			return
		}
		logger.L.Warn("Order accepted but pipeline did not complete",
			"orderID", order.OrderID, "status", order.ProcessingStatus, "error", processErr)
		utils.SendJSON(w, order, http.StatusAccepted)
		return
	}
	utils.SendJSON(w, order, http.StatusCreated)
}

// HandleGetOrder returns one order by its external order id.
func (h *OrderHandler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")
	order, err := h.orderService.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			utils.SendJSONError(w, "order not found: "+orderID, http.StatusNotFound)
			return
		}
		utils.SendJSONError(w, "error fetching order: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, order, http.StatusOK)
}

// HandleListOrders returns recent orders, optionally filtered by status.
func (h *OrderHandler) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	orders, err := h.orderService.ListOrders(r.Context(), status, limit)
	if err != nil {
		utils.SendJSONError(w, "error listing orders: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, orders, http.StatusOK)
}

// HandleRetryOrder re-invokes the pipeline for an order left in processing.
// Retries are caller-driven; there is no internal scheduler.
func (h *OrderHandler) HandleRetryOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")
	order, err := h.orderService.ProcessOrder(r.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			utils.SendJSONError(w, "order not found: "+orderID, http.StatusNotFound)
		case errors.Is(err, services.ErrOrderTerminal):
			utils.SendJSONError(w, err.Error(), http.StatusConflict)
		default:
			if order != nil {
				utils.SendJSON(w, map[string]interface{}{"error": err.Error(), "order": order}, http.StatusBadGateway)
			} else {
				utils.SendJSONError(w, "error processing order: "+err.Error(), http.StatusInternalServerError)
			}
		}
		return
	}
	utils.SendJSON(w, order, http.StatusOK)
}
