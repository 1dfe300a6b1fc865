package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/flows"
	"github.com/c360/nodeflow/flowstore"
	"github.com/c360/nodeflow/message"
)

// flowsEnvelope is the versioned body of the flows endpoints.
type flowsEnvelope struct {
	Flows json.RawMessage `json:"flows,omitempty"`
	// Config is accepted as an alias of Flows.
	Config         json.RawMessage `json:"config,omitempty"`
	Rev            string          `json:"rev,omitempty"`
	DeploymentType string          `json:"deploymentType,omitempty"`
}

type deployResponse struct {
	Rev     string   `json:"rev"`
	Missing []string `json:"missingTypes,omitempty"`
}

func (s *Server) handleGetFlows(w http.ResponseWriter, r *http.Request) {
	cfg := s.flows.Flows()
	if cfg == nil {
		cfg = flowstore.Flows{}
	}
	if r.Header.Get(HeaderAPIVersion) == "v2" {
		s.writeJSON(w, http.StatusOK, map[string]any{"flows": cfg, "rev": s.flows.Revision()})
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePostFlows(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", err)
		return
	}

	doc, env, err := splitFlowsBody(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_flows", err)
		return
	}

	typeName := r.Header.Get(HeaderDeploymentType)
	if typeName == "" {
		typeName = env.DeploymentType
	}
	deployType, err := flows.ParseDeployType(typeName)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_deployment_type", err)
		return
	}

	cfg, err := flowstore.Parse(doc)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_flows", err)
		return
	}

	if env.Rev != "" && env.Rev != s.flows.Revision() {
		s.writeError(w, http.StatusConflict, "version_mismatch",
			fmt.Errorf("flows revision %s does not match active revision", env.Rev))
		return
	}

	report, err := s.flows.SetFlows(r.Context(), cfg, deployType)
	if err != nil {
		code := http.StatusInternalServerError
		var de *errors.DeployError
		if errors.IsInvalid(err) && !errors.As(err, &de) {
			code = http.StatusBadRequest
		}
		s.logger.Error("Deploy failed", "type", deployType, "error", err)
		s.writeError(w, code, "deploy_failed", err)
		return
	}

	s.logger.Info("Flows deployed", "type", deployType, "rev", report.Rev,
		"started", len(report.Started), "missing", len(report.Missing))
	s.writeJSON(w, http.StatusOK, deployResponse{Rev: report.Rev, Missing: report.MissingTypes()})
}

// splitFlowsBody accepts either a bare flow array or an envelope and
// returns the raw flow array.
func splitFlowsBody(body []byte) ([]byte, flowsEnvelope, error) {
	var env flowsEnvelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, env, errors.WrapInvalid(errors.ErrInvalidData, "api", "splitFlowsBody", "read body")
	}
	if trimmed[0] == '[' {
		return trimmed, env, nil
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, env, errors.WrapInvalid(err, "api", "splitFlowsBody", "decode envelope")
	}
	doc := env.Flows
	if len(doc) == 0 {
		doc = env.Config
	}
	if len(doc) == 0 {
		return nil, env, errors.WrapInvalid(errors.ErrMissingConfig, "api", "splitFlowsBody", "find flows")
	}
	return doc, env, nil
}

func (s *Server) handleGetNodes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.nodes.NodeList(nil))
}

type nodeStateRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handlePutNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req nodeStateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("%w: enabled", errors.ErrMissingConfig))
		return
	}

	op := s.nodes.Disable
	if *req.Enabled {
		op = s.nodes.Enable
	}
	d, err := op(r.Context(), id)
	if err != nil {
		var inUse *errors.TypeInUseError
		var unknown *errors.UnknownTypeError
		switch {
		case errors.As(err, &inUse):
			s.writeError(w, http.StatusBadRequest, "type_in_use", err)
		case errors.As(err, &unknown):
			s.writeError(w, http.StatusNotFound, "not_found", err)
		default:
			s.writeError(w, http.StatusInternalServerError, "unexpected_error", err)
		}
		return
	}
	s.logger.Info("Node set updated", "set", d.ID, "enabled", d.Enabled)
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", err)
		return
	}
	msg := message.New()
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &msg); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	msg.EnsureID()

	if err := s.flows.Inject(r.Context(), id, msg); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, errors.ErrNodeNotFound) {
			code = http.StatusNotFound
		}
		s.writeError(w, code, "inject_failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{message.KeyID: msg.ID()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.monitor.AggregateHealth("nodeflow")
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}
