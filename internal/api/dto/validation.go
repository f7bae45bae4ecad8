package dto

import (
	"fmt"
	"sync"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// RegisterValidators adds the custom binding rules to gin's validator
func RegisterValidators() error {
	var err error
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = fmt.Errorf("unexpected binding validator engine %T", binding.Validator.Engine())
			return
		}
		err = v.RegisterValidation("jobkind", func(fl validator.FieldLevel) bool {
			return domain.JobKind(fl.Field().String()).Valid()
		})
	})
	return err
}
