package server

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")
	{
		api.POST("/jobs", s.createJob)
		api.GET("/jobs/:id", s.getJob)
		api.GET("/health", s.health)
	}
}
