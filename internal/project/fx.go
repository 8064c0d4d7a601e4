package project

import (
	"github.com/smallbiznis/clientportal/internal/project/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("project.repository",
	fx.Provide(repository.Provide),
)
