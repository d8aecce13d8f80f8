package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/caio-sobreiro/dicomnet/acse"
	"github.com/caio-sobreiro/dicomnet/association"
	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/dimse"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/services"
	"github.com/caio-sobreiro/dicomnet/types"
)

// DicomInstance represents a stored DICOM instance
type DicomInstance struct {
	PatientID      string
	PatientName    string
	SOPClassUID    string
	SOPInstanceUID string
	StudyUID       string
	SeriesUID      string
	TransferSyntax string // Transfer syntax the data is stored in
	Data           []byte
}

// instanceStore implements interfaces.DataStore over a flat instance map,
// keeping a normalized patient/study/series/image view that StorePatient/
// StoreStudy/StoreSeries/StoreImage populate and FindPatients/FindStudies/
// FindSeries/FindImages query, alongside the raw encoded instances that
// C-MOVE/C-GET sub-operations deliver.
type instanceStore struct {
	mu        sync.RWMutex
	instances map[string]*DicomInstance
	patients  map[string]*types.Patient
	studies   map[string]*types.Study
	series    map[string]*types.Series
	images    map[string]*types.Image
}

func newInstanceStore() *instanceStore {
	return &instanceStore{
		instances: make(map[string]*DicomInstance),
		patients:  make(map[string]*types.Patient),
		studies:   make(map[string]*types.Study),
		series:    make(map[string]*types.Series),
		images:    make(map[string]*types.Image),
	}
}

// storeInstance records a retrieved or loaded instance and updates the
// normalized Patient/Study/Series/Image views through the DataStore Store
// methods, the way an inbound C-STORE populates both views at once.
func (s *instanceStore) storeInstance(inst *DicomInstance) {
	s.mu.Lock()
	s.instances[inst.SOPInstanceUID] = inst
	s.mu.Unlock()

	s.StorePatient(&types.Patient{Name: inst.PatientName, ID: inst.PatientID})
	s.StoreStudy(&types.Study{InstanceUID: inst.StudyUID})
	s.StoreSeries(&types.Series{InstanceUID: inst.SeriesUID})
	s.StoreImage(&types.Image{SOPInstanceUID: inst.SOPInstanceUID})
}

// lookupInstances matches the same way the move/get handlers always have:
// instance level first if a SOP Instance UID is given, else series, else
// study.
func (s *instanceStore) lookupInstances(studyUID, seriesUID, sopUID string) []*DicomInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*DicomInstance
	for _, instance := range s.instances {
		switch {
		case sopUID != "":
			if instance.SOPInstanceUID == sopUID {
				matches = append(matches, instance)
			}
		case seriesUID != "":
			if instance.SeriesUID == seriesUID {
				matches = append(matches, instance)
			}
		case studyUID != "":
			if instance.StudyUID == studyUID {
				matches = append(matches, instance)
			}
		}
	}
	return matches
}

func (s *instanceStore) StorePatient(patient *types.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[patient.ID] = patient
	return nil
}

func (s *instanceStore) GetPatient(patientID string) (*types.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[patientID]
	if !ok {
		return nil, fmt.Errorf("patient %q not found", patientID)
	}
	return p, nil
}

func (s *instanceStore) FindPatients(query *types.QueryRequest) ([]types.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Patient
	for _, p := range s.patients {
		if query.PatientID != "" && p.ID != query.PatientID {
			continue
		}
		if query.PatientName != "" && p.Name != query.PatientName {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *instanceStore) StoreStudy(study *types.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studies[study.InstanceUID] = study
	return nil
}

func (s *instanceStore) GetStudy(studyInstanceUID string) (*types.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.studies[studyInstanceUID]
	if !ok {
		return nil, fmt.Errorf("study %q not found", studyInstanceUID)
	}
	return st, nil
}

func (s *instanceStore) FindStudies(query *types.QueryRequest) ([]types.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Study
	for _, st := range s.studies {
		if query.StudyInstanceUID != "" && st.InstanceUID != query.StudyInstanceUID {
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

func (s *instanceStore) StoreSeries(series *types.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[series.InstanceUID] = series
	return nil
}

func (s *instanceStore) GetSeries(seriesInstanceUID string) (*types.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	se, ok := s.series[seriesInstanceUID]
	if !ok {
		return nil, fmt.Errorf("series %q not found", seriesInstanceUID)
	}
	return se, nil
}

func (s *instanceStore) FindSeries(query *types.QueryRequest) ([]types.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Series
	for _, se := range s.series {
		if query.SeriesInstanceUID != "" && se.InstanceUID != query.SeriesInstanceUID {
			continue
		}
		out = append(out, *se)
	}
	return out, nil
}

func (s *instanceStore) StoreImage(image *types.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[image.SOPInstanceUID] = image
	return nil
}

func (s *instanceStore) GetImage(sopInstanceUID string) (*types.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[sopInstanceUID]
	if !ok {
		return nil, fmt.Errorf("image %q not found", sopInstanceUID)
	}
	return img, nil
}

func (s *instanceStore) FindImages(query *types.QueryRequest) ([]types.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Image
	for _, img := range s.images {
		if query.SOPInstanceUID != "" && img.SOPInstanceUID != query.SOPInstanceUID {
			continue
		}
		out = append(out, *img)
	}
	return out, nil
}

var _ interfaces.DataStore = (*instanceStore)(nil)

// Sub-operation and retrieval status codes this handler reports beyond the
// generic dimse.StatusSuccess/StatusPending/StatusFailure, per DICOM PS3.4
// Annex C.4.2/C.4.3.
const (
	statusMoveDestinationUnknown           = 0xA801
	statusSubOperationsCompleteWithFailures = 0xB000
)

type sampleHandler struct {
	store            *instanceStore
	moveDestinations map[string]string // move destination AE title -> dial address
	localAETitle     string
}

func responseTransferSyntax(meta interfaces.MessageContext) string {
	if meta.TransferSyntaxUID != "" {
		return meta.TransferSyntaxUID
	}
	return dicom.TransferSyntaxExplicitVRLittleEndian
}

func uint16Ptr(v uint16) *uint16 { return &v }

func (s *sampleHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	slog.WarnContext(ctx, "non-streaming dispatch for a command this handler only serves via streaming",
		"command_field", fmt.Sprintf("0x%04X", msg.CommandField), "message_id", msg.MessageID)
	response := &types.Message{
		CommandField:              types.ResponseCommandFor(msg.CommandField),
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		CommandDataSetType:        0x0101,
		Status:                    types.StatusFailure,
	}
	return response, nil, nil
}

func (s *sampleHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	switch msg.CommandField {
	case types.CFindRQ:
		return s.handleCFindStreaming(ctx, msg, data, meta, responder)
	case types.CMoveRQ:
		return s.handleCMoveStreaming(ctx, msg, data, meta, responder)
	case types.CGetRQ:
		return s.handleCGetStreaming(ctx, msg, data, meta, responder)
	case types.CStoreRQ:
		return s.handleCStoreStreaming(ctx, msg, data, meta, responder)
	default:
		response, dataset, err := s.HandleDIMSE(ctx, msg, data, meta)
		if err != nil {
			return err
		}
		return responder.SendResponse(response, dataset, responseTransferSyntax(meta))
	}
}

// queryFromIdentifier extracts the matching keys this handler understands
// from a C-FIND identifier, defaulting to the study level when
// QueryRetrieveLevel (0008,0052) is absent.
func queryFromIdentifier(dataset *dicom.Dataset) *types.QueryRequest {
	level := types.QueryLevel(dataset.GetString(dicom.Tag{Group: 0x0008, Element: 0x0052}))
	if level == "" {
		level = types.QueryLevelStudy
	}
	return &types.QueryRequest{
		Level:             level,
		PatientName:       dataset.GetString(dicom.Tag{Group: 0x0010, Element: 0x0010}),
		PatientID:         dataset.GetString(dicom.Tag{Group: 0x0010, Element: 0x0020}),
		StudyInstanceUID:  dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000D}),
		SeriesInstanceUID: dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000E}),
		SOPInstanceUID:    dataset.GetString(dicom.Tag{Group: 0x0008, Element: 0x0018}),
	}
}

func (s *sampleHandler) matchesForLevel(query *types.QueryRequest) ([]*dicom.Dataset, error) {
	switch query.Level {
	case types.QueryLevelPatient:
		patients, err := s.store.FindPatients(query)
		if err != nil {
			return nil, err
		}
		out := make([]*dicom.Dataset, 0, len(patients))
		for _, p := range patients {
			ds := dicom.NewDataset()
			ds.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0010}, dicom.VR_PN, p.Name)
			ds.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0020}, dicom.VR_LO, p.ID)
			out = append(out, ds)
		}
		return out, nil
	case types.QueryLevelSeries:
		series, err := s.store.FindSeries(query)
		if err != nil {
			return nil, err
		}
		out := make([]*dicom.Dataset, 0, len(series))
		for _, se := range series {
			ds := dicom.NewDataset()
			ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000E}, dicom.VR_UI, se.InstanceUID)
			out = append(out, ds)
		}
		return out, nil
	case types.QueryLevelImage:
		images, err := s.store.FindImages(query)
		if err != nil {
			return nil, err
		}
		out := make([]*dicom.Dataset, 0, len(images))
		for _, img := range images {
			ds := dicom.NewDataset()
			ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0018}, dicom.VR_UI, img.SOPInstanceUID)
			out = append(out, ds)
		}
		return out, nil
	default: // STUDY
		studies, err := s.store.FindStudies(query)
		if err != nil {
			return nil, err
		}
		out := make([]*dicom.Dataset, 0, len(studies))
		for _, st := range studies {
			ds := dicom.NewDataset()
			ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000D}, dicom.VR_UI, st.InstanceUID)
			out = append(out, ds)
		}
		return out, nil
	}
}

func (s *sampleHandler) handleCFindStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	dataset := meta.Dataset
	if dataset == nil {
		var err error
		dataset, err = dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to parse C-FIND identifier", "error", err)
			failure := services.NewCFindErrorResponse(msg, types.StatusFailure)
			return responder.SendResponse(failure, nil, responseTransferSyntax(meta))
		}
	}

	query := queryFromIdentifier(dataset)
	slog.InfoContext(ctx, "Handling C-FIND request", "level", query.Level, "patient_id", query.PatientID, "study_uid", query.StudyInstanceUID)

	matches, err := s.matchesForLevel(query)
	if err != nil {
		slog.ErrorContext(ctx, "C-FIND query failed", "error", err)
		failure := services.NewCFindErrorResponse(msg, types.StatusFailure)
		return responder.SendResponse(failure, nil, responseTransferSyntax(meta))
	}

	slog.InfoContext(ctx, "Found matches for C-FIND", "count", len(matches))
	for _, match := range matches {
		pending := services.NewCFindPendingResponse(msg)
		if err := responder.SendResponse(pending, match, responseTransferSyntax(meta)); err != nil {
			return err
		}
	}

	final := services.NewCFindSuccessResponse(msg)
	return responder.SendResponse(final, nil, responseTransferSyntax(meta))
}

func (s *sampleHandler) handleCMoveStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	slog.InfoContext(ctx, "Received C-MOVE request", "move_destination", msg.MoveDestination)

	dataset := meta.Dataset
	if dataset == nil {
		var err error
		dataset, err = dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to parse C-MOVE dataset", "error", err)
			failure := services.NewCMoveErrorResponse(msg, types.StatusFailure)
			return responder.SendResponse(failure, nil, responseTransferSyntax(meta))
		}
	}

	logCMoveRequest(ctx, msg, dataset)

	destAddress, known := s.moveDestinations[msg.MoveDestination]
	if !known {
		slog.WarnContext(ctx, "C-MOVE destination unknown", "move_destination", msg.MoveDestination)
		final := services.NewResponseBuilder(msg).CMoveResponse(statusMoveDestinationUnknown, nil, nil, nil, nil)
		return responder.SendResponse(final, nil, responseTransferSyntax(meta))
	}

	studyUID := dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000D})
	seriesUID := dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000E})
	sopUID := dataset.GetString(dicom.Tag{Group: 0x0008, Element: 0x0018})

	matches := s.store.lookupInstances(studyUID, seriesUID, sopUID)
	total := len(matches)
	slog.InfoContext(ctx, "Found matching instances for C-MOVE", "count", total)

	if total == 0 {
		final := services.NewCMoveSuccessResponse(msg, 0, 0, 0)
		return responder.SendResponse(final, nil, responseTransferSyntax(meta))
	}

	var completed, failed, warning uint16
	var failedUIDs []string
	for i, instance := range matches {
		remaining := uint16(total - i)
		pending := services.NewCMovePendingResponse(msg, completed, failed, warning, remaining)
		if err := responder.SendResponse(pending, nil, responseTransferSyntax(meta)); err != nil {
			return err
		}

		if err := s.performCStore(ctx, msg.MoveDestination, destAddress, instance); err != nil {
			slog.ErrorContext(ctx, "C-STORE sub-operation failed", "error", err, "sop_instance", instance.SOPInstanceUID)
			failed++
			failedUIDs = append(failedUIDs, instance.SOPInstanceUID)
			continue
		}
		slog.InfoContext(ctx, "C-STORE sub-operation successful", "sop_instance", instance.SOPInstanceUID)
		completed++
	}

	if failed > 0 {
		failedList := dicom.NewDataset()
		failedList.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0058}, dicom.VR_UI, strings.Join(failedUIDs, "\\"))
		final := services.NewResponseBuilder(msg).CMoveResponseWithDataset(
			statusSubOperationsCompleteWithFailures, &completed, &failed, &warning, uint16Ptr(0))
		return responder.SendResponse(final, failedList, responseTransferSyntax(meta))
	}

	final := services.NewCMoveSuccessResponse(msg, completed, failed, warning)
	return responder.SendResponse(final, nil, responseTransferSyntax(meta))
}

func (s *sampleHandler) handleCGetStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	slog.InfoContext(ctx, "Received C-GET request")

	dataset := meta.Dataset
	if dataset == nil {
		var err error
		dataset, err = dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to parse C-GET dataset", "error", err)
			failure := services.NewCGetErrorResponse(msg, types.StatusFailure)
			return responder.SendResponse(failure, nil, responseTransferSyntax(meta))
		}
	}

	logCGetRequest(ctx, msg, dataset)

	studyUID := dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000D})
	seriesUID := dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000E})
	sopUID := dataset.GetString(dicom.Tag{Group: 0x0008, Element: 0x0018})

	matches := s.store.lookupInstances(studyUID, seriesUID, sopUID)
	total := len(matches)
	slog.InfoContext(ctx, "Found matching instances for C-GET", "count", total)

	if total == 0 {
		final := services.NewCGetSuccessResponse(msg, 0, 0, 0)
		return responder.SendResponse(final, nil, responseTransferSyntax(meta))
	}

	cgetResponder, ok := responder.(interfaces.CGetResponder)
	if !ok {
		slog.ErrorContext(ctx, "Responder does not support C-GET sub-operations")
		failure := services.NewCGetErrorResponse(msg, types.StatusFailure)
		return responder.SendResponse(failure, nil, responseTransferSyntax(meta))
	}

	var completed, failed, warning uint16
	for i, instance := range matches {
		remaining := uint16(total - i)
		pending := services.NewCGetPendingResponse(msg, completed, failed, warning, remaining)
		if err := responder.SendResponse(pending, nil, responseTransferSyntax(meta)); err != nil {
			return err
		}

		if err := cgetResponder.SendCStore(instance.SOPClassUID, instance.SOPInstanceUID, instance.Data); err != nil {
			slog.ErrorContext(ctx, "C-STORE sub-operation failed", "error", err, "sop_instance", instance.SOPInstanceUID)
			failed++
			continue
		}
		slog.InfoContext(ctx, "C-STORE sub-operation successful", "sop_instance", instance.SOPInstanceUID)
		completed++
	}

	final := services.NewCGetSuccessResponse(msg, completed, failed, warning)
	return responder.SendResponse(final, nil, responseTransferSyntax(meta))
}

// handleCStoreStreaming accepts an inbound C-STORE, recording it the same
// way loadDicomFile/generateSyntheticInstance seed the store, so instances
// pushed in by a real SCU (or a C-MOVE sub-association to this AE) become
// visible to subsequent C-FIND/C-MOVE/C-GET queries.
func (s *sampleHandler) handleCStoreStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	dataset := meta.Dataset
	if dataset == nil {
		var err error
		dataset, err = dicom.ParseDatasetWithTransferSyntax(data, meta.TransferSyntaxUID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to parse C-STORE dataset", "error", err)
			failure := services.NewCStoreResponse(msg, types.StatusFailure)
			return responder.SendResponse(failure, nil, responseTransferSyntax(meta))
		}
	}

	instance := &DicomInstance{
		PatientID:      dataset.GetString(dicom.Tag{Group: 0x0010, Element: 0x0020}),
		PatientName:    dataset.GetString(dicom.Tag{Group: 0x0010, Element: 0x0010}),
		SOPClassUID:    msg.AffectedSOPClassUID,
		SOPInstanceUID: msg.AffectedSOPInstanceUID,
		StudyUID:       dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000D}),
		SeriesUID:      dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000E}),
		TransferSyntax: responseTransferSyntax(meta),
		Data:           data,
	}
	s.store.storeInstance(instance)

	slog.InfoContext(ctx, "Stored DICOM instance via C-STORE",
		"sop_class", instance.SOPClassUID, "sop_instance", instance.SOPInstanceUID)

	response := services.NewCStoreResponse(msg, types.StatusSuccess)
	return responder.SendResponse(response, nil, responseTransferSyntax(meta))
}

// performCStore opens a sub-association to destinationAddress and issues a
// single C-STORE for instance, grounded on client.Association.Connect/
// SendCStore, generalized onto association.Dial/SendCStore since the
// sub-association owns no retrieval state beyond this one transfer.
func (s *sampleHandler) performCStore(ctx context.Context, destinationAE, destinationAddress string, instance *DicomInstance) error {
	contexts := []acse.ProposedContext{
		{ID: 1, AbstractSyntax: instance.SOPClassUID, TransferSyntaxes: s.buildTransferSyntaxList(instance.TransferSyntax)},
	}

	assoc, err := association.Dial(destinationAddress, s.localAETitle, destinationAE, contexts,
		association.WithAETitle(s.localAETitle),
		association.WithMaxPDULength(16384),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to move destination %s at %s: %w", destinationAE, destinationAddress, err)
	}
	defer assoc.Release()

	status, err := assoc.SendCStore(instance.SOPClassUID, instance.SOPInstanceUID, instance.Data)
	if err != nil {
		return fmt.Errorf("c-store sub-operation failed: %w", err)
	}
	if status != dimse.StatusSuccess {
		return fmt.Errorf("c-store sub-operation returned status 0x%04x", status)
	}
	return nil
}

// buildTransferSyntaxList creates a prioritized list of transfer syntaxes
// with the instance's native transfer syntax first, followed by common ones
func (s *sampleHandler) buildTransferSyntaxList(nativeTS string) []string {
	syntaxes := []string{nativeTS}

	common := []string{
		types.ExplicitVRLittleEndian,
		types.ImplicitVRLittleEndian,
		types.JPEG2000Lossless,
		types.JPEG2000,
	}

	for _, ts := range common {
		if ts != nativeTS {
			syntaxes = append(syntaxes, ts)
		}
	}

	return syntaxes
}

func (s *instanceStore) loadDicomFile(filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read DICOM file: %w", err)
	}

	if len(data) < 132 {
		return fmt.Errorf("file too small to be valid DICOM")
	}
	if string(data[128:132]) != "DICM" {
		return fmt.Errorf("missing DICM prefix")
	}

	dataset, err := dicom.ParseDataset(data[132:])
	if err != nil {
		return fmt.Errorf("failed to parse DICOM dataset: %w", err)
	}

	// Extract Transfer Syntax UID (0002,0010) from the file meta information
	transferSyntax := types.ExplicitVRLittleEndian
	if len(data) > 132 {
		tsTag := []byte{0x02, 0x00, 0x10, 0x00} // (0002,0010) Transfer Syntax UID
		for i := 132; i < len(data)-20 && i < 300; i++ {
			if data[i] == tsTag[0] && data[i+1] == tsTag[1] &&
				data[i+2] == tsTag[2] && data[i+3] == tsTag[3] {
				vr := string(data[i+4 : i+6])
				if vr == "UI" {
					length := binary.LittleEndian.Uint16(data[i+6 : i+8])
					if i+8+int(length) <= len(data) {
						transferSyntax = strings.TrimRight(string(data[i+8:i+8+int(length)]), "\x00 ")
						break
					}
				}
			}
		}
	}

	instance := &DicomInstance{
		PatientID:      dataset.GetString(dicom.Tag{Group: 0x0010, Element: 0x0020}),
		PatientName:    dataset.GetString(dicom.Tag{Group: 0x0010, Element: 0x0010}),
		SOPClassUID:    dataset.GetString(dicom.Tag{Group: 0x0008, Element: 0x0016}),
		SOPInstanceUID: dataset.GetString(dicom.Tag{Group: 0x0008, Element: 0x0018}),
		StudyUID:       dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000D}),
		SeriesUID:      dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000E}),
		TransferSyntax: transferSyntax,
		Data:           data[132:],
	}
	s.storeInstance(instance)

	slog.Info("Loaded DICOM instance",
		"sop_class", instance.SOPClassUID,
		"sop_instance", instance.SOPInstanceUID,
		"study_uid", instance.StudyUID,
		"series_uid", instance.SeriesUID,
		"transfer_syntax", instance.TransferSyntax,
		"size_bytes", len(data))

	return nil
}

// generateSyntheticInstance creates a synthetic DICOM instance in memory
func (s *instanceStore) generateSyntheticInstance(sopInstanceUID, studyUID, seriesUID string) error {
	buf := make([]byte, 0, 512)

	appendElement := func(group, element uint16, vr string, value []byte) {
		buf = append(buf, byte(group), byte(group>>8), byte(element), byte(element>>8))
		length := uint32(len(value))
		buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
		buf = append(buf, value...)
	}

	sopClassUID := types.CTImageStorage
	patientName := "TEST^PATIENT"
	patientID := "12345"

	appendElement(0x0008, 0x0016, "UI", []byte(sopClassUID))
	appendElement(0x0008, 0x0018, "UI", []byte(sopInstanceUID))
	appendElement(0x0008, 0x0020, "DA", []byte("20250109"))
	appendElement(0x0008, 0x0030, "TM", []byte("120000"))
	appendElement(0x0008, 0x0060, "CS", []byte("CT"))
	appendElement(0x0010, 0x0010, "PN", []byte(patientName))
	appendElement(0x0010, 0x0020, "LO", []byte(patientID))
	appendElement(0x0020, 0x000D, "UI", []byte(studyUID))
	appendElement(0x0020, 0x000E, "UI", []byte(seriesUID))
	appendElement(0x0020, 0x0013, "IS", []byte("1"))

	rows := make([]byte, 2)
	binary.LittleEndian.PutUint16(rows, 512)
	appendElement(0x0028, 0x0010, "US", rows)

	cols := make([]byte, 2)
	binary.LittleEndian.PutUint16(cols, 512)
	appendElement(0x0028, 0x0011, "US", cols)

	bits := make([]byte, 2)
	binary.LittleEndian.PutUint16(bits, 16)
	appendElement(0x0028, 0x0100, "US", bits)

	appendElement(0x7FE0, 0x0010, "OW", []byte{})

	instance := &DicomInstance{
		PatientID:      patientID,
		PatientName:    patientName,
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		StudyUID:       studyUID,
		SeriesUID:      seriesUID,
		TransferSyntax: types.ImplicitVRLittleEndian,
		Data:           buf,
	}
	s.storeInstance(instance)

	slog.Info("Generated synthetic DICOM instance",
		"sop_class", instance.SOPClassUID,
		"sop_instance", instance.SOPInstanceUID,
		"study_uid", instance.StudyUID,
		"series_uid", instance.SeriesUID,
		"transfer_syntax", instance.TransferSyntax,
		"size_bytes", len(buf))

	return nil
}

// supportedAbstractSyntax reports the SOP classes this sample SCP accepts,
// spanning verification, the study-root query/retrieve model, and a small
// set of storage classes for C-STORE/C-MOVE/C-GET sub-operations.
func supportedAbstractSyntax(uid string) bool {
	switch uid {
	case types.VerificationSOPClass,
		types.StudyRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelMove,
		types.StudyRootQueryRetrieveInformationModelGet,
		types.PatientRootQueryRetrieveInformationModelFind,
		types.PatientRootQueryRetrieveInformationModelMove,
		types.PatientRootQueryRetrieveInformationModelGet,
		types.CTImageStorage,
		types.MRImageStorage,
		types.SecondaryCaptureImageStorage:
		return true
	default:
		return false
	}
}

func supportedTransferSyntax(uid string) bool {
	switch uid {
	case types.ImplicitVRLittleEndian, types.ExplicitVRLittleEndian, types.JPEG2000Lossless, types.JPEG2000:
		return true
	default:
		return false
	}
}

func main() {
	port := flag.Int("port", 4242, "TCP port to listen on")
	aeTitle := flag.String("ae", "SAMPLE_SCP", "Server AE Title")
	dicomFile := flag.String("dicom", "sample.dcm", "Path to sample DICOM file (optional)")
	generateSynthetic := flag.Bool("synthetic", false, "Generate synthetic DICOM instances instead of loading from file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := newInstanceStore()

	if *generateSynthetic {
		studyUID := "1.2.840.999.999.1.1.1.1"
		seriesUID := "1.2.840.999.999.1.1.1.1.1"

		for i := 1; i <= 3; i++ {
			sopInstanceUID := fmt.Sprintf("1.2.840.999.999.1.1.1.1.1.%d", i)
			if err := store.generateSyntheticInstance(sopInstanceUID, studyUID, seriesUID); err != nil {
				logger.Error("Failed to generate synthetic instance", "error", err, "instance", i)
				os.Exit(1)
			}
		}
	} else if *dicomFile != "" {
		if err := store.loadDicomFile(*dicomFile); err != nil {
			logger.Error("Failed to load DICOM file", "error", err, "file", *dicomFile)
			os.Exit(1)
		}
	} else {
		logger.Error("Must specify either --dicom <file> or --synthetic")
		os.Exit(1)
	}

	handler := &sampleHandler{
		store:        store,
		localAETitle: *aeTitle,
		moveDestinations: map[string]string{
			"ORTHANC": "orthanc:4242",
		},
	}

	registry := services.NewRegistry()
	registry.RegisterHandler(dimse.CEchoRQ, services.NewEchoService())
	registry.RegisterHandler(dimse.CFindRQ, handler)
	registry.RegisterHandler(dimse.CMoveRQ, handler)
	registry.RegisterHandler(dimse.CGetRQ, handler)
	registry.RegisterHandler(dimse.CStoreRQ, handler)

	policy := acse.Policy{
		CalledAETitle:      *aeTitle,
		RequireCalledAET:   true,
		SupportsAbstract:   supportedAbstractSyntax,
		SupportsTransfer:   supportedTransferSyntax,
		LocalMaxPDULength:  16384,
		AcceptorSCPDefault: true,
	}

	address := fmt.Sprintf(":%d", *port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		logger.Error("failed to listen", "error", err, "address", address)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info("sample server listening", "address", address, "ae_title", *aeTitle)

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Error("accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := association.Accept(conn, registry, policy, association.WithAETitle(*aeTitle), association.WithLogger(logger)); err != nil {
				logger.Warn("association ended with error", "error", err)
			}
		}()
	}
	wg.Wait()

	logger.Info("Sample server shutdown complete")
}

func logCMoveRequest(ctx context.Context, msg *types.Message, dataset *dicom.Dataset) {
	if dataset == nil {
		slog.InfoContext(ctx, "Handling C-MOVE request",
			"move_destination", msg.MoveDestination,
			"note", "no dataset provided")
		return
	}

	slog.InfoContext(ctx, "Handling C-MOVE request",
		"move_destination", msg.MoveDestination,
		"study_uid", dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000D}),
		"series_uid", dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000E}),
		"sop_uid", dataset.GetString(dicom.Tag{Group: 0x0008, Element: 0x0018}))
}

func logCGetRequest(ctx context.Context, msg *types.Message, dataset *dicom.Dataset) {
	if dataset == nil {
		slog.InfoContext(ctx, "Handling C-GET request", "note", "no dataset provided")
		return
	}

	slog.InfoContext(ctx, "Handling C-GET request",
		"study_uid", dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000D}),
		"series_uid", dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000E}),
		"sop_uid", dataset.GetString(dicom.Tag{Group: 0x0008, Element: 0x0018}))
}
