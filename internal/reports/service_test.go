package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/registry"
)

// seedSupply creates one confirmed batch of 1000 with 300 transferred out
// pending, 200 retired and one pending batch.
func seedSupply(t *testing.T, store registry.Store) (confirmed, pending *registry.CreditBatch) {
	t.Helper()
	ctx := context.Background()
	project := &registry.Project{
		ID: uuid.New(), OwnerID: "alice", Name: "Blue carbon", EstimatedAnnualReduction: 1000,
		MethodologyTag: "VM0033", Status: registry.ProjectStatusApproved,
	}
	other := &registry.Project{
		ID: uuid.New(), OwnerID: "bob", Name: "Biochar", EstimatedAnnualReduction: 50,
		MethodologyTag: "VM0044", Status: registry.ProjectStatusApproved,
	}
	confirmed = &registry.CreditBatch{
		ID: uuid.New(), ProjectID: project.ID, BeneficiaryID: "alice", Quantity: 1000,
		SubmissionID: "mint-" + uuid.NewString(), Status: registry.StatusPending,
	}
	pending = &registry.CreditBatch{
		ID: uuid.New(), ProjectID: other.ID, BeneficiaryID: "bob", Quantity: 50,
		SubmissionID: "mint-" + uuid.NewString(), Status: registry.StatusPending,
	}
	number := "CERT-2025-0A1B2C3D"

	require.NoError(t, store.RunInTx(ctx, func(tx registry.Tx) error {
		for _, p := range []*registry.Project{project, other} {
			if err := tx.CreateProject(ctx, p); err != nil {
				return err
			}
		}
		for _, b := range []*registry.CreditBatch{confirmed, pending} {
			if err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
		}
		if _, err := tx.SetBatchStatus(ctx, confirmed.ID, registry.StatusPending, registry.StatusConfirmed); err != nil {
			return err
		}
		if _, err := tx.CreditHolding(ctx, confirmed.ID, "alice", 1000); err != nil {
			return err
		}
		if _, err := tx.DebitHolding(ctx, confirmed.ID, "alice", 500); err != nil {
			return err
		}
		if err := tx.CreateTransfer(ctx, &registry.TransferRecord{
			ID: uuid.New(), BatchID: confirmed.ID, FromID: "alice", ToID: "bob", Quantity: 300,
			SubmissionID: "transfer-" + uuid.NewString(), Status: registry.StatusPending,
		}); err != nil {
			return err
		}
		cert := &registry.RetirementCertificate{
			ID: uuid.New(), BatchID: confirmed.ID, HolderID: "alice", Quantity: 200, Reason: "offset",
			SubmissionID: "retire-" + uuid.NewString(), Status: registry.StatusPending,
		}
		if err := tx.CreateCertificate(ctx, cert); err != nil {
			return err
		}
		_, err := tx.ConfirmCertificate(ctx, cert.ID, number)
		return err
	}))
	return confirmed, pending
}

func TestSupplyReport(t *testing.T) {
	store := registry.NewMemoryStore()
	confirmed, pending := seedSupply(t, store)
	svc := NewService(NewRegistryRepository(store), zap.NewNop())

	report, err := svc.Supply(context.Background(), SupplyFilter{})
	require.NoError(t, err)
	require.Len(t, report.Rows, 2)
	assert.Equal(t, 2, report.Totals.Batches)
	assert.Equal(t, int64(1000), report.Totals.Minted)
	assert.Equal(t, int64(500), report.Totals.Circulating)
	assert.Equal(t, int64(300), report.Totals.PendingOut)
	assert.Equal(t, int64(200), report.Totals.Retired)
	assert.Zero(t, report.Totals.Unbalanced)
	assert.Empty(t, report.Unbalanced())

	byID := map[uuid.UUID]SupplyRow{}
	for _, row := range report.Rows {
		byID[row.BatchID] = row
	}
	assert.Equal(t, "Blue carbon", byID[confirmed.ID].ProjectName)
	assert.Zero(t, byID[pending.ID].Minted)
	assert.True(t, byID[pending.ID].Balanced)

	report, err = svc.Supply(context.Background(), SupplyFilter{Statuses: []registry.Status{registry.StatusPending}})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, pending.ID, report.Rows[0].BatchID)

	report, err = svc.Supply(context.Background(), SupplyFilter{ProjectID: &confirmed.ProjectID})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, confirmed.ID, report.Rows[0].BatchID)
}

func TestExportFormats(t *testing.T) {
	store := registry.NewMemoryStore()
	seedSupply(t, store)
	svc := NewService(NewRegistryRepository(store), zap.NewNop())
	ctx := context.Background()

	body, contentType, name, err := svc.Export(ctx, SupplyFilter{}, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", contentType)
	assert.Regexp(t, `^supply-\d{8}-\d{6}\.csv$`, name)
	records, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, supplyColumns, records[0])

	body, _, name, err = svc.Export(ctx, SupplyFilter{}, FormatXLSX)
	require.NoError(t, err)
	assert.Regexp(t, `\.xlsx$`, name)
	assert.Equal(t, "PK", string(body[:2]))

	_, _, _, err = svc.Export(ctx, SupplyFilter{}, ExportFormat("pdf"))
	assert.Error(t, err)
}

func TestSupplyHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := registry.NewMemoryStore()
	seedSupply(t, store)
	router := gin.New()
	NewHandler(NewService(NewRegistryRepository(store), zap.NewNop()), zap.NewNop()).RegisterRoutes(router.Group("/api/v1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/reports/supply?status=confirmed", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var report SupplyReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Totals.Batches)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/reports/supply?format=csv", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment; filename=supply-")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/reports/supply?status=settled", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/reports/supply?format=pdf", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
