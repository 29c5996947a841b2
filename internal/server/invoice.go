package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/invora/internal/invoice/domain"
)

const maxUploadBytes = 32 << 20

func (s *Server) IngestInvoice(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		AbortWithError(c, &invoicedomain.InvalidInputError{Field: "file", Reason: "multipart file is required"})
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if len(content) > maxUploadBytes {
		AbortWithError(c, &invoicedomain.InvalidInputError{Field: "file", Reason: "document exceeds upload limit"})
		return
	}

	inv, err := s.invoiceSvc.Ingest(c.Request.Context(), invoicedomain.IngestRequest{
		FileName: header.Filename,
		Content:  content,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": toInvoiceView(inv)})
}

func (s *Server) ListInvoices(c *gin.Context) {
	filter, err := listFilterFromQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoices, err := s.invoiceSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]invoiceView, 0, len(invoices))
	for i := range invoices {
		views = append(views, toInvoiceView(&invoices[i]))
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	inv, err := s.invoiceSvc.Get(c.Request.Context(), invoiceID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toInvoiceView(inv)})
}

func (s *Server) DeleteInvoice(c *gin.Context) {
	if err := s.invoiceSvc.Delete(c.Request.Context(), invoiceID(c)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) ProcessInvoice(c *gin.Context) {
	inv, err := s.invoiceSvc.Process(c.Request.Context(), invoiceID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toInvoiceView(inv)})
}

func (s *Server) ReprocessInvoice(c *gin.Context) {
	inv, err := s.invoiceSvc.Reprocess(c.Request.Context(), invoiceID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toInvoiceView(inv)})
}

type reviewRequest struct {
	ExpectedReviewVersion *int64              `json:"expected_review_version"`
	Approve               bool                `json:"approve"`
	Patch                 invoicedomain.Patch `json:"patch"`
}

func (s *Server) SubmitReview(c *gin.Context) {
	var body reviewRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, &invoicedomain.InvalidInputError{Field: "body", Reason: "malformed review payload"})
		return
	}
	if body.ExpectedReviewVersion == nil {
		AbortWithError(c, &invoicedomain.InvalidInputError{Field: "expected_review_version", Reason: "field is required"})
		return
	}

	result, err := s.invoiceSvc.SubmitReview(c.Request.Context(), invoicedomain.ReviewRequest{
		InvoiceID:             invoiceID(c),
		ExpectedReviewVersion: *body.ExpectedReviewVersion,
		Patch:                 body.Patch,
		Approve:               body.Approve,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       toInvoiceView(result.Invoice),
		"validation": result.Validation,
	})
}

func (s *Server) ValidateInvoice(c *gin.Context) {
	report, err := s.invoiceSvc.Validate(c.Request.Context(), invoiceID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) ExportInvoice(c *gin.Context) {
	id := invoiceID(c)
	format := strings.ToLower(strings.TrimSpace(c.Query("format")))

	data, contentType, err := s.invoiceSvc.Export(c.Request.Context(), id, format)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ext := "json"
	if strings.HasPrefix(contentType, "text/csv") {
		ext = "csv"
	}
	c.Header("Content-Disposition", `attachment; filename="invoice-`+id+`.`+ext+`"`)
	c.Data(http.StatusOK, contentType, data)
}

func invoiceID(c *gin.Context) string {
	return strings.TrimSpace(c.Param("id"))
}

func listFilterFromQuery(c *gin.Context) (invoicedomain.ListFilter, error) {
	var filter invoicedomain.ListFilter

	if v := strings.TrimSpace(c.Query("processing_state")); v != "" {
		state := invoicedomain.ProcessingState(strings.ToUpper(v))
		if !state.Known() {
			return filter, &invoicedomain.InvalidInputError{Field: "processing_state", Reason: "unknown state"}
		}
		filter.ProcessingState = &state
	}
	if v := strings.TrimSpace(c.Query("status")); v != "" {
		filter.Status = &v
	}
	if v := strings.TrimSpace(c.Query("vendor_name")); v != "" {
		filter.VendorName = &v
	}
	if v := strings.TrimSpace(c.Query("invoice_number")); v != "" {
		filter.InvoiceNumber = &v
	}
	if v := strings.TrimSpace(c.Query("created_from")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, &invoicedomain.InvalidInputError{Field: "created_from", Reason: "must be RFC 3339"}
		}
		filter.CreatedFrom = &t
	}
	if v := strings.TrimSpace(c.Query("created_to")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, &invoicedomain.InvalidInputError{Field: "created_to", Reason: "must be RFC 3339"}
		}
		filter.CreatedTo = &t
	}
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, &invoicedomain.InvalidInputError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		filter.Limit = n
	}
	if filter.Limit == 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if v := strings.TrimSpace(c.Query("offset")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, &invoicedomain.InvalidInputError{Field: "offset", Reason: "must be a non-negative integer"}
		}
		filter.Offset = n
	}
	return filter, nil
}
