package reports

import (
	"context"
	"fmt"

	"github.com/healthbot/portal/internal/platform/apiclient"
)

// Source is the subset of the backend the report service reads from.
type Source interface {
	ListPatientReports(ctx context.Context, patientID string) ([]apiclient.Report, error)
	DoctorVisit(ctx context.Context, token string) (*apiclient.Visit, error)
	PatientDashboard(ctx context.Context, patientID string) (*apiclient.Visit, error)
	CreateShareLink(ctx context.Context, patientID string) (*apiclient.ShareLink, error)
}

type Service struct {
	src Source
}

func NewService(src Source) *Service {
	return &Service{src: src}
}

func (s *Service) List(ctx context.Context, patientID string) ([]Report, error) {
	items, err := s.src.ListPatientReports(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	if items == nil {
		items = []Report{}
	}
	return items, nil
}

// MergedContext lists a patient's reports and merges them in listing order.
func (s *Service) MergedContext(ctx context.Context, patientID string) (MergedContext, error) {
	items, err := s.List(ctx, patientID)
	if err != nil {
		return MergedContext{}, err
	}
	return Merge(items), nil
}

// Visit resolves a doctor share-link token and merges the visible reports.
func (s *Service) Visit(ctx context.Context, token string) (*VisitView, error) {
	v, err := s.src.DoctorVisit(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("doctor visit: %w", err)
	}
	return toView(v), nil
}

// Dashboard returns the patient record, reports and merged context.
func (s *Service) Dashboard(ctx context.Context, patientID string) (*VisitView, error) {
	v, err := s.src.PatientDashboard(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("patient dashboard: %w", err)
	}
	return toView(v), nil
}

func (s *Service) Share(ctx context.Context, patientID string) (*apiclient.ShareLink, error) {
	link, err := s.src.CreateShareLink(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("create share link: %w", err)
	}
	return link, nil
}

func toView(v *apiclient.Visit) *VisitView {
	items := v.Reports
	if items == nil {
		items = []Report{}
	}
	return &VisitView{Patient: v.Patient, Reports: items, Context: Merge(items)}
}
