package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/models"
	"bitbucket.org/mmdatafocus/erp_backend/models/reports"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type resubmitRequest struct {
	Lines []models.NewDocumentLine `json:"lines"`
}

type voidRequest struct {
	Reason string `json:"reason"`
}

type priceListEntryRequest struct {
	ProductId int             `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
}

// respondError renders the failure taxonomy. Fatal and external failures also go to the error log.
func respondError(c *gin.Context, err error) {
	kind := utils.ErrorKind(err)
	if kind == utils.ErrKindFatal || kind == utils.ErrKindExternalService {
		_ = c.Error(err)
	}
	c.JSON(utils.HTTPStatus(err), gin.H{
		"error": gin.H{
			"kind":    kind,
			"message": err.Error(),
		},
	})
}

// respondDocument renders the result of a write command. A failed approval hand-off does not
// fail the request: the document is committed and external_error describes the failure.
func respondDocument(c *gin.Context, status int, result *models.DocumentResult) {
	body := gin.H{
		"document":       result.Document,
		"reused_number":  result.Reused,
		"external_error": nil,
	}
	if result.ExternalError != nil {
		body["external_error"] = gin.H{
			"kind":    utils.ErrorKind(result.ExternalError),
			"message": result.ExternalError.Error(),
		}
	}
	c.JSON(status, body)
}

func familyParam(c *gin.Context) (models.DocumentFamily, error) {
	family, err := models.ParseDocumentFamily(c.Param("family"))
	if err != nil {
		return "", utils.NewValidationError("%s", err.Error())
	}
	return family, nil
}

func idParam(c *gin.Context, name string) (int, error) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		return 0, utils.NewValidationError("%s must be a positive integer", name)
	}
	return id, nil
}

func intQuery(c *gin.Context, name string) (int, error) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, utils.NewValidationError("%s must be a non-negative integer", name)
	}
	return n, nil
}

func dateQuery(c *gin.Context, name string) (*time.Time, error) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, utils.NewValidationError("%s must be YYYY-MM-DD", name)
	}
	return &t, nil
}

func bindJSON(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil {
		return utils.NewValidationError("invalid request body: %s", err.Error())
	}
	return nil
}

func createDocumentHandler(c *gin.Context) {
	family, err := familyParam(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var input models.NewDocument
	if err := bindJSON(c, &input); err != nil {
		respondError(c, err)
		return
	}
	result, err := models.CreateDocument(c.Request.Context(), family, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	respondDocument(c, http.StatusCreated, result)
}

func resubmitDocumentHandler(c *gin.Context) {
	family, err := familyParam(c)
	if err != nil {
		respondError(c, err)
		return
	}
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req resubmitRequest
	if c.Request.ContentLength != 0 {
		if err := bindJSON(c, &req); err != nil {
			respondError(c, err)
			return
		}
	}
	result, err := models.ResubmitDocument(c.Request.Context(), family, id, req.Lines)
	if err != nil {
		respondError(c, err)
		return
	}
	respondDocument(c, http.StatusOK, result)
}

func submitDocumentHandler(c *gin.Context) {
	family, err := familyParam(c)
	if err != nil {
		respondError(c, err)
		return
	}
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := models.SubmitDocument(c.Request.Context(), family, id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondDocument(c, http.StatusOK, result)
}

func voidDocumentHandler(c *gin.Context) {
	family, err := familyParam(c)
	if err != nil {
		respondError(c, err)
		return
	}
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req voidRequest
	if c.Request.ContentLength != 0 {
		if err := bindJSON(c, &req); err != nil {
			respondError(c, err)
			return
		}
	}
	doc, err := models.VoidDocument(c.Request.Context(), family, id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respondDocument(c, http.StatusOK, &models.DocumentResult{Document: doc})
}

func getDocumentHandler(c *gin.Context) {
	family, err := familyParam(c)
	if err != nil {
		respondError(c, err)
		return
	}
	id, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	doc, err := models.GetDocument(c.Request.Context(), family, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc})
}

// getDocumentByNumberHandler looks a document up by its number. scopeId is the warehouse for
// per-warehouse series and 0 otherwise.
func getDocumentByNumberHandler(c *gin.Context) {
	family, err := familyParam(c)
	if err != nil {
		respondError(c, err)
		return
	}
	scopeId, err := strconv.Atoi(c.Param("scopeId"))
	if err != nil || scopeId < 0 {
		respondError(c, utils.NewValidationError("scopeId must be a non-negative integer"))
		return
	}
	sequenceNo, err := strconv.ParseInt(c.Param("sequenceNo"), 10, 64)
	if err != nil || sequenceNo <= 0 {
		respondError(c, utils.NewValidationError("sequenceNo must be a positive integer"))
		return
	}
	doc, err := models.GetDocumentByNumber(c.Request.Context(), family, scopeId, sequenceNo)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc})
}

func returnableQtyHandler(c *gin.Context) {
	lineId, err := idParam(c, "lineId")
	if err != nil {
		respondError(c, err)
		return
	}
	qty, err := models.GetReturnableQty(c.Request.Context(), config.GetDB(), lineId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"origin_line_id": lineId, "returnable_qty": qty})
}

func stockOnHandHandler(c *gin.Context) {
	productId, err := intQuery(c, "product_id")
	if err != nil {
		respondError(c, err)
		return
	}
	warehouseId, err := intQuery(c, "warehouse_id")
	if err != nil {
		respondError(c, err)
		return
	}
	rows, err := reports.GetStockOnHandReport(c.Request.Context(), productId, warehouseId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stock": rows})
}

func kardexFilterFromQuery(c *gin.Context) (models.KardexFilter, error) {
	var filter models.KardexFilter
	var err error
	if filter.ProductId, err = intQuery(c, "product_id"); err != nil {
		return filter, err
	}
	if filter.WarehouseId, err = intQuery(c, "warehouse_id"); err != nil {
		return filter, err
	}
	if filter.FromDate, err = dateQuery(c, "from"); err != nil {
		return filter, err
	}
	if filter.ToDate, err = dateQuery(c, "to"); err != nil {
		return filter, err
	}
	if filter.ToDate != nil {
		end := filter.ToDate.AddDate(0, 0, 1).Add(-time.Nanosecond)
		filter.ToDate = &end
	}
	if filter.Limit, err = intQuery(c, "limit"); err != nil {
		return filter, err
	}
	return filter, nil
}

func kardexHandler(c *gin.Context) {
	filter, err := kardexFilterFromQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	rows, err := reports.GetKardexReport(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kardex": rows})
}

func kardexExportHandler(c *gin.Context) {
	filter, err := kardexFilterFromQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	rows, err := reports.GetKardexReport(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=kardex_"+strconv.Itoa(filter.ProductId)+".xlsx")
	c.Status(http.StatusOK)
	if err := reports.WriteKardexExcel(c.Writer, rows); err != nil {
		config.GetLogger().WithFields(logrus.Fields{
			"field":      "kardexExportHandler",
			"product_id": filter.ProductId,
		}).Error("kardex export failed: " + err.Error())
	}
}

func createClientHandler(c *gin.Context) {
	var input models.NewClient
	if err := bindJSON(c, &input); err != nil {
		respondError(c, err)
		return
	}
	client, err := models.CreateClient(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"client": client})
}

func setClientActiveHandler(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			respondError(c, err)
			return
		}
		if err := models.SetClientActive(c.Request.Context(), id, active); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func createWarehouseHandler(c *gin.Context) {
	var input models.NewWarehouse
	if err := bindJSON(c, &input); err != nil {
		respondError(c, err)
		return
	}
	warehouse, err := models.CreateWarehouse(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"warehouse": warehouse})
}

func createProductHandler(c *gin.Context) {
	var input models.NewProduct
	if err := bindJSON(c, &input); err != nil {
		respondError(c, err)
		return
	}
	product, err := models.CreateProduct(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product": product})
}

func setPriceListEntryHandler(c *gin.Context) {
	priceListId, err := idParam(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}
	var req priceListEntryRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if err := models.SetPriceListEntry(c.Request.Context(), priceListId, req.ProductId, req.Price); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func registerRoutes(r gin.IRouter) {
	docs := r.Group("/documents")
	docs.POST("/:family", createDocumentHandler)
	docs.GET("/:family/:id", getDocumentHandler)
	docs.POST("/:family/:id/resubmit", resubmitDocumentHandler)
	docs.POST("/:family/:id/submit", submitDocumentHandler)
	docs.POST("/:family/:id/void", voidDocumentHandler)

	r.GET("/document-numbers/:family/:scopeId/:sequenceNo", getDocumentByNumberHandler)
	r.GET("/invoice-lines/:lineId/returnable", returnableQtyHandler)
	r.GET("/stock", stockOnHandHandler)
	r.GET("/kardex", kardexHandler)
	r.GET("/kardex/export", kardexExportHandler)

	r.POST("/clients", createClientHandler)
	r.POST("/clients/:id/activate", setClientActiveHandler(true))
	r.POST("/clients/:id/deactivate", setClientActiveHandler(false))
	r.POST("/warehouses", createWarehouseHandler)
	r.POST("/products", createProductHandler)
	r.PUT("/price-lists/:id/entries", setPriceListEntryHandler)
}
