// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "RGBOARD")
	viper.SetDefault("main.timezone", "UTC")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "rgboard.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 1048576)
	viper.SetDefault("main.log.rotationday", time.Sunday)

	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.port", "8080")
	viper.SetDefault("webserver.debug", false)

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "rgboard.db")

	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "rgboard")
	viper.SetDefault("output.mysql.password", "rgboard")
	viper.SetDefault("output.mysql.database", "rgboard")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	viper.SetDefault("rotation.defaultduration", 30)
	viper.SetDefault("rotation.minduration", 30)
	viper.SetDefault("rotation.defaultttlhours", 24)
	viper.SetDefault("rotation.promotioninterval", 5)
	viper.SetDefault("rotation.expiryinterval", 60)
	viper.SetDefault("rotation.checkinterval", 1)
	viper.SetDefault("rotation.pagesize", 6)
	viper.SetDefault("rotation.suggestionstep", 5)
	viper.SetDefault("rotation.suggestionwindow", 120)
	viper.SetDefault("rotation.maxworkers", 10)
}
