package http

import (
	"github.com/gin-gonic/gin"
)

type Server struct {
	Engine *gin.Engine
}

func NewServer(cfg RouterConfig) (*Server, error) {
	engine, err := NewRouter(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{Engine: engine}, nil
}

func (s *Server) Run(address string) error {
	return s.Engine.Run(address)
}
