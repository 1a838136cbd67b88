package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"nightstack/internal/capture"
	"nightstack/internal/frame"
	"nightstack/internal/project"
	"nightstack/internal/storage"
)

type projectView struct {
	ID                 string              `json:"id"`
	CaptureStart       time.Time           `json:"capture_start"`
	CaptureEnd         *time.Time          `json:"capture_end,omitempty"`
	ProcessingComplete bool                `json:"processing_complete"`
	TimelapseComplete  bool                `json:"timelapse_complete"`
	Unprocessed        int                 `json:"unprocessed"`
	Counters           project.Counters    `json:"counters"`
	Orientation        frame.Orientation   `json:"orientation"`
	Location           *frame.Location     `json:"location,omitempty"`
	Flags              project.Flags       `json:"flags"`
	Options            map[string]float64  `json:"options"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
	Runs               []storage.RunRecord `json:"runs,omitempty"`
}

func viewOf(p *project.Project) projectView {
	v := projectView{
		ID:                 p.ID,
		CaptureStart:       p.CaptureStart,
		ProcessingComplete: p.ProcessingComplete,
		TimelapseComplete:  p.TimelapseComplete,
		Unprocessed:        len(p.Unprocessed),
		Counters:           p.Counters,
		Orientation:        p.Orientation,
		Location:           p.Location,
		Flags:              p.Flags,
		Options:            make(map[string]float64, len(project.DefaultOptions)),
		Metadata:           p.Metadata,
	}
	if !p.CaptureEnd.IsZero() {
		end := p.CaptureEnd
		v.CaptureEnd = &end
	}
	for opt := range project.DefaultOptions {
		v.Options[string(opt)] = p.Option(opt)
	}
	return v
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := project.List(s.opts.ProjectsDir)
	if err != nil {
		s.log.Warn("some projects could not be loaded", "error", err)
	}
	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, viewOf(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) findProject(w http.ResponseWriter, r *http.Request) (*project.Project, bool) {
	p, err := project.Find(s.opts.ProjectsDir, mux.Vars(r)["id"])
	switch {
	case err == nil:
		return p, true
	case errors.Is(err, project.ErrNotProject), errors.Is(err, project.ErrInvalidID), errors.Is(err, os.ErrNotExist):
		http.Error(w, "project not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
	return nil, false
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.findProject(w, r)
	if !ok {
		return
	}
	v := viewOf(p)
	if s.store != nil {
		runs, err := s.store.ProjectRuns(p.ID)
		if err != nil {
			s.log.Warn("could not read project runs", "project", p.ID, "error", err)
		}
		v.Runs = runs
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.findProject(w, r)
	if !ok {
		return
	}
	if err := p.Delete(); err != nil {
		if errors.Is(err, project.ErrLocked) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.DeleteProject(p.ID); err != nil {
		s.log.Warn("could not remove project from catalog", "project", p.ID, "error", err)
	}
	s.log.Info("project deleted", "project", p.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProjectFile(w http.ResponseWriter, r *http.Request) {
	p, ok := s.findProject(w, r)
	if !ok {
		return
	}
	path := filepath.Join(p.Dir, mux.Vars(r)["file"])
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) startOptions(r *http.Request) (capture.StartOptions, error) {
	opts := s.capture.DefaultStartOptions()
	if r.Body == nil || r.ContentLength == 0 {
		return opts, nil
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return opts, err
	}
	if req.Mask != nil {
		opts.Flags.Mask = *req.Mask
	}
	if req.Align != nil {
		opts.Flags.Align = *req.Align
	}
	if req.Enhance != nil {
		opts.Flags.Enhance = *req.Enhance
	}
	if req.Orientation != nil {
		o, err := frame.ParseOrientation(*req.Orientation)
		if err != nil {
			return opts, err
		}
		opts.Orientation = o
	}
	return opts, nil
}
